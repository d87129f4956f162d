package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresArchive implements protocol.ContributionArchiver with PostgreSQL
// persistence. The archive is append-only history; the engine never reads it
// back.
type PostgresArchive struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresArchive opens the archive database and runs migrations.
func NewPostgresArchive(config *PostgresConfig) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging archive database: %w", err)
	}

	archive := &PostgresArchive{db: db}
	if err := archive.migrate(); err != nil {
		return nil, fmt.Errorf("running archive migrations: %w", err)
	}
	return archive, nil
}

func (a *PostgresArchive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contributions (
		id BIGSERIAL PRIMARY KEY,
		viewing_id VARCHAR(64) NOT NULL,
		category VARCHAR(32) NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		contributed_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_contributions_category ON contributions(category);
	CREATE INDEX IF NOT EXISTS idx_contributions_at ON contributions(contributed_at);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := a.db.ExecContext(ctx, schema)
	return err
}

// ArchiveContribution implements protocol.ContributionArchiver.
func (a *PostgresArchive) ArchiveContribution(category, viewingID string, amount float64, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO contributions (viewing_id, category, amount, contributed_at)
		VALUES ($1, $2, $3, $4)
	`, viewingID, category, amount, at)
	return err
}

// ContributionTotal sums archived contributions of one category in a time
// range, for operator reporting.
func (a *PostgresArchive) ContributionTotal(ctx context.Context, category string, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := a.db.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM contributions
		WHERE category = $1 AND contributed_at >= $2 AND contributed_at < $3
	`, category, from, to).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// Close closes the database connection.
func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
