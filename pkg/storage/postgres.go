package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store on PostgreSQL via sqlx.
type PostgresStore struct {
	log logrus.FieldLogger
	db  *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, log logrus.FieldLogger, config *Config) (*PostgresStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sqlx.Connect("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Connected to PostgreSQL")

	return &PostgresStore{
		log: log.WithField("component", "storage"),
		db:  db,
	}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}

// HealthCheck pings the database.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetState(ctx context.Context, chainID uint64, contract string) (*IndexerState, error) {
	var state IndexerState

	query := `SELECT * FROM indexer_state WHERE chain_id = $1 AND contract_address = $2`

	if err := s.db.GetContext(ctx, &state, query, chainID, contract); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}

		return nil, fmt.Errorf("failed to get indexer state: %w", err)
	}

	return &state, nil
}

func (s *PostgresStore) InitState(ctx context.Context, state *IndexerState) error {
	query := `
		INSERT INTO indexer_state (chain_id, contract_address, last_indexed_block, last_block_hash, is_catching_up, chunk_size)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, contract_address) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		state.ChainID,
		state.ContractAddress,
		state.LastIndexedBlock,
		state.LastBlockHash,
		state.IsCatchingUp,
		state.ChunkSize,
	)
	if err != nil {
		return fmt.Errorf("failed to init indexer state: %w", err)
	}

	return nil
}

func (s *PostgresStore) AdvanceCursor(ctx context.Context, chainID uint64, contract string, expectBlock, newBlock uint64, newHash string) error {
	query := `
		UPDATE indexer_state SET
			last_indexed_block = $4,
			last_block_hash = $5,
			updated_at = NOW()
		WHERE chain_id = $1 AND contract_address = $2 AND last_indexed_block = $3
	`

	result, err := s.db.ExecContext(ctx, query, chainID, contract, expectBlock, newBlock, newHash)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrStaleState
	}

	return nil
}

func (s *PostgresStore) SetCatchingUp(ctx context.Context, chainID uint64, contract string, from, to bool) error {
	query := `
		UPDATE indexer_state SET
			is_catching_up = $4,
			updated_at = NOW()
		WHERE chain_id = $1 AND contract_address = $2 AND is_catching_up = $3
	`

	result, err := s.db.ExecContext(ctx, query, chainID, contract, from, to)
	if err != nil {
		return fmt.Errorf("failed to set catch-up flag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrStaleState
	}

	return nil
}

func (s *PostgresStore) SetChunkSize(ctx context.Context, chainID uint64, contract string, size uint64) error {
	query := `
		UPDATE indexer_state SET
			chunk_size = $3,
			updated_at = NOW()
		WHERE chain_id = $1 AND contract_address = $2
	`

	if _, err := s.db.ExecContext(ctx, query, chainID, contract, size); err != nil {
		return fmt.Errorf("failed to set chunk size: %w", err)
	}

	return nil
}

func (s *PostgresStore) ResetCursor(ctx context.Context, chainID uint64, contract string, newBlock uint64, newHash string) error {
	query := `
		UPDATE indexer_state SET
			last_indexed_block = $3,
			last_block_hash = $4,
			is_catching_up = FALSE,
			updated_at = NOW()
		WHERE chain_id = $1 AND contract_address = $2
	`

	result, err := s.db.ExecContext(ctx, query, chainID, contract, newBlock, newHash)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrStateNotFound
	}

	return nil
}

func (s *PostgresStore) UpsertEvents(ctx context.Context, events []TransferEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.WithError(err).Error("Failed to rollback event upsert")
		}
	}()

	query := `
		INSERT INTO transfer_events (chain_id, contract_address, block_number, log_index, block_hash, tx_hash, from_address, to_address, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chain_id, contract_address, block_number, log_index) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			tx_hash = EXCLUDED.tx_hash,
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			value = EXCLUDED.value
	`

	for _, e := range events {
		if _, err := tx.ExecContext(ctx, query,
			e.ChainID, e.ContractAddress, e.BlockNumber, e.LogIndex,
			e.BlockHash, e.TxHash, e.FromAddress, e.ToAddress, e.Value,
		); err != nil {
			return fmt.Errorf("failed to upsert event %d/%d: %w", e.BlockNumber, e.LogIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event upsert: %w", err)
	}

	return nil
}

func (s *PostgresStore) DeleteEventsAbove(ctx context.Context, chainID uint64, contract string, block uint64) (int64, error) {
	query := `DELETE FROM transfer_events WHERE chain_id = $1 AND contract_address = $2 AND block_number > $3`

	result, err := s.db.ExecContext(ctx, query, chainID, contract, block)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

func (s *PostgresStore) CountEvents(ctx context.Context, chainID uint64, contract string) (int64, error) {
	var count int64

	query := `SELECT COUNT(*) FROM transfer_events WHERE chain_id = $1 AND contract_address = $2`

	if err := s.db.GetContext(ctx, &count, query, chainID, contract); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}

	return count, nil
}

func (s *PostgresStore) AppendReorgRecord(ctx context.Context, record *ReorgRecord) error {
	query := `
		INSERT INTO reorg_records (chain_id, contract_address, detected_at, invalidated_from_block, invalidated_to_block, new_canonical_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ChainID,
		record.ContractAddress,
		record.DetectedAt,
		record.InvalidatedFromBlock,
		record.InvalidatedToBlock,
		record.NewCanonicalHash,
	)
	if err != nil {
		return fmt.Errorf("failed to append reorg record: %w", err)
	}

	return nil
}

func (s *PostgresStore) RecordAnchor(ctx context.Context, anchor *BlockAnchor) error {
	query := `
		INSERT INTO block_anchors (chain_id, contract_address, block_number, block_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id, contract_address, block_number) DO UPDATE SET
			block_hash = EXCLUDED.block_hash
	`

	_, err := s.db.ExecContext(ctx, query, anchor.ChainID, anchor.ContractAddress, anchor.BlockNumber, anchor.BlockHash)
	if err != nil {
		return fmt.Errorf("failed to record anchor: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListAnchors(ctx context.Context, chainID uint64, contract string, minBlock, maxBlock uint64) ([]BlockAnchor, error) {
	var anchors []BlockAnchor

	query := `
		SELECT * FROM block_anchors
		WHERE chain_id = $1 AND contract_address = $2 AND block_number >= $3 AND block_number <= $4
		ORDER BY block_number ASC
	`

	if err := s.db.SelectContext(ctx, &anchors, query, chainID, contract, minBlock, maxBlock); err != nil {
		return nil, fmt.Errorf("failed to list anchors: %w", err)
	}

	return anchors, nil
}

func (s *PostgresStore) DeleteAnchorsAbove(ctx context.Context, chainID uint64, contract string, block uint64) error {
	query := `DELETE FROM block_anchors WHERE chain_id = $1 AND contract_address = $2 AND block_number > $3`

	if _, err := s.db.ExecContext(ctx, query, chainID, contract, block); err != nil {
		return fmt.Errorf("failed to delete anchors: %w", err)
	}

	return nil
}

func (s *PostgresStore) PruneAnchorsBelow(ctx context.Context, chainID uint64, contract string, block uint64) error {
	query := `DELETE FROM block_anchors WHERE chain_id = $1 AND contract_address = $2 AND block_number < $3`

	if _, err := s.db.ExecContext(ctx, query, chainID, contract, block); err != nil {
		return fmt.Errorf("failed to prune anchors: %w", err)
	}

	return nil
}
