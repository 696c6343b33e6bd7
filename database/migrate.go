package database

import (
	"database/sql"
	"fmt"
)

var (
	createRankingsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_rankings (
    entity_id     VARCHAR         NOT NULL,
    rank          INTEGER         NOT NULL CHECK (rank > 0),
    owner_id      VARCHAR         NOT NULL,
    balance       NUMERIC(78, 0)  NOT NULL,
    percentage    NUMERIC(9, 4)   NOT NULL,
    updated_at    TIMESTAMPTZ     NOT NULL DEFAULT now(),

    PRIMARY KEY (entity_id, rank),
    UNIQUE (entity_id, owner_id)
);`

	createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_membership_events (
    id            BIGSERIAL       PRIMARY KEY,
    entity_id     VARCHAR         NOT NULL,
    owner_id      VARCHAR         NOT NULL,
    event_type    VARCHAR(8)      NOT NULL CHECK (event_type IN ('enter', 'leave')),
    rank_before   INTEGER,
    rank_after    INTEGER,
    created_at    TIMESTAMPTZ     NOT NULL DEFAULT now()
);`

	createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_membership_events (entity_id, created_at DESC);`

	createLocksTableSQL = `
CREATE TABLE IF NOT EXISTS %s_locks (
    entity_id     VARCHAR         PRIMARY KEY,
    holder_token  VARCHAR         NOT NULL,
    expires_at    TIMESTAMPTZ     NOT NULL
);`
)

// Migrate creates the rankings, membership events and locks tables with indexes.
func Migrate(db *sql.DB, tablePrefix string) error {
	if err := createTable(db, createRankingsTableSQL, tablePrefix, "rankings"); err != nil {
		return err
	}

	if err := createTable(db, createEventsTableSQL, tablePrefix, "membership events"); err != nil {
		return err
	}

	if err := createEventsIndex(db, tablePrefix); err != nil {
		return err
	}

	if err := createTable(db, createLocksTableSQL, tablePrefix, "locks"); err != nil {
		return err
	}

	return nil
}

func createTable(db *sql.DB, ddl, tablePrefix, name string) error {
	var query = fmt.Sprintf(ddl, tablePrefix)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", name, err)
	}
	return nil
}

func createEventsIndex(db *sql.DB, tablePrefix string) error {
	var (
		indexName = fmt.Sprintf("%s_membership_events_entity_idx", tablePrefix)
		query     = fmt.Sprintf(createEventsIndexSQL, indexName, tablePrefix)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create membership events index: %w", err)
	}
	return nil
}
