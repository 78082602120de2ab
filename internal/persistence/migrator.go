package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrMigrationDrift is returned when an applied migration's script no
// longer matches the checksum recorded when it ran.
var ErrMigrationDrift = errors.New("applied migration changed")

// migrationLockKey serializes migrators across processes sharing a database.
const migrationLockKey int64 = 0x4344504c65646772 // "CDPLedgr"

// migration is one versioned schema step: {version}_{name}.up.sql with its
// matching .down.sql.
type migration struct {
	Version  int
	Name     string
	Up       string
	Down     string
	Checksum string
}

// MigrationStatus reports one known migration and whether it is applied.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt time.Time
	Drifted   bool
}

// Migrator applies the embedded schema to Postgres. Each step runs in its
// own transaction under a transaction-scoped advisory lock, so concurrent
// servers starting against one database apply every step exactly once.
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger zerolog.Logger
}

// NewMigrator reads migrations from files, usually migrations.FS.
func NewMigrator(db *sql.DB, files fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, files: files, logger: logger}
}

// loadMigrations parses and pairs every migration in files, ordered by
// version. Versions must be unique and every up script needs a down script.
func loadMigrations(files fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]*migration)
	for _, e := range entries {
		name := e.Name()
		var direction string
		switch {
		case e.IsDir():
			continue
		case strings.HasSuffix(name, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(name, ".down.sql"):
			direction = "down"
		default:
			continue
		}

		stem := strings.TrimSuffix(name, "."+direction+".sql")
		prefix, label, ok := strings.Cut(stem, "_")
		if !ok || label == "" {
			return nil, fmt.Errorf("migration %s: want {version}_{name}.%s.sql", name, direction)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", name, prefix)
		}

		content, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &migration{Version: version, Name: label}
			byVersion[version] = m
		} else if m.Name != label {
			return nil, fmt.Errorf("migration version %d used by %q and %q", version, m.Name, label)
		}
		if direction == "up" {
			if m.Up != "" {
				return nil, fmt.Errorf("migration version %d has two up scripts", version)
			}
			m.Up = string(content)
			sum := sha256.Sum256(content)
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			if m.Down != "" {
				return nil, fmt.Errorf("migration version %d has two down scripts", version)
			}
			m.Down = string(content)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %d_%s needs both up and down scripts", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

// Up applies every pending migration in version order. An applied
// migration whose script changed since it ran fails with
// ErrMigrationDrift before anything new is applied.
func (m *Migrator) Up(ctx context.Context) error {
	all, err := loadMigrations(m.files)
	if err != nil {
		return err
	}
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}
	if err := checkDrift(all, applied); err != nil {
		return err
	}

	for _, mig := range all {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		ran, err := m.applyUp(ctx, mig)
		if err != nil {
			return err
		}
		if ran {
			m.logger.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
		}
	}
	return nil
}

// applyUp runs one step under the advisory lock. It reports false when
// another migrator applied the step first.
func (m *Migrator) applyUp(ctx context.Context, mig migration) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration %d: %w", mig.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM public.schema_migrations WHERE version = $1)`, mig.Version,
	).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
		return false, fmt.Errorf("exec migration %d_%s: %w", mig.Version, mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO public.schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return false, fmt.Errorf("record migration %d: %w", mig.Version, err)
	}
	return true, tx.Commit()
}

// Down rolls back the highest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	all, err := loadMigrations(m.files)
	if err != nil {
		return err
	}
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	idx := sort.Search(len(all), func(i int) bool { return all[i].Version >= version })
	if idx == len(all) || all[idx].Version != version {
		return fmt.Errorf("applied migration %d has no script to roll it back", version)
	}
	mig := all[idx]

	if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
		return fmt.Errorf("exec down migration %d_%s: %w", mig.Version, mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM public.schema_migrations WHERE version = $1`, version,
	); err != nil {
		return fmt.Errorf("remove migration record %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.logger.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("rolled back migration")
	return nil
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	all, err := loadMigrations(m.files)
	if err != nil {
		return nil, err
	}
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(all))
	for _, mig := range all {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if a, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = a.appliedAt
			st.Drifted = a.checksum != mig.Checksum
		}
		out = append(out, st)
	}
	return out, nil
}

func checkDrift(all []migration, applied map[int]appliedMigration) error {
	for _, mig := range all {
		a, ok := applied[mig.Version]
		if ok && a.checksum != mig.Checksum {
			return fmt.Errorf("%w: %d_%s recorded %.12s, script is %.12s",
				ErrMigrationDrift, mig.Version, mig.Name, a.checksum, mig.Checksum)
		}
	}
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]appliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum, applied_at FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var v int
		var a appliedMigration
		if err := rows.Scan(&v, &a.checksum, &a.appliedAt); err != nil {
			return nil, err
		}
		applied[v] = a
	}
	return applied, rows.Err()
}
