package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loopcast/internal/models"
)

// Snapshot is a point-in-time copy of the JSON datastore, used to migrate an
// installation onto Postgres.
type Snapshot struct {
	Profiles  []models.Profile
	Sessions  []models.SessionSummary
	Events    map[string][]models.SessionEvent
	Operators []models.Operator
}

// SnapshotCounts summarises a snapshot for logging and verification.
type SnapshotCounts struct {
	Profiles  int
	Sessions  int
	Events    int
	Operators int
}

// LoadSnapshot reads a JSON datastore file into a Snapshot without going
// through the live Storage type, so a running server is not required.
func LoadSnapshot(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read datastore: %w", err)
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return Snapshot{}, fmt.Errorf("decode datastore: %w", err)
	}

	snap := Snapshot{Events: make(map[string][]models.SessionEvent, len(data.Events))}
	for _, profile := range data.Profiles {
		snap.Profiles = append(snap.Profiles, profile)
	}
	sort.Slice(snap.Profiles, func(i, j int) bool { return snap.Profiles[i].ID < snap.Profiles[j].ID })
	for _, summary := range data.Sessions {
		snap.Sessions = append(snap.Sessions, summary)
	}
	// FK order: profiles before sessions, sessions before their events. Within
	// sessions an ID sort is enough because inserts never reference each other.
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].ID < snap.Sessions[j].ID })
	for sessionID, evts := range data.Events {
		ordered := append([]models.SessionEvent(nil), evts...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })
		snap.Events[sessionID] = ordered
	}
	for _, operator := range data.Operators {
		snap.Operators = append(snap.Operators, operator)
	}
	sort.Slice(snap.Operators, func(i, j int) bool { return snap.Operators[i].ID < snap.Operators[j].ID })
	return snap, nil
}

// Counts tallies the snapshot's rows.
func (s Snapshot) Counts() SnapshotCounts {
	counts := SnapshotCounts{
		Profiles:  len(s.Profiles),
		Sessions:  len(s.Sessions),
		Operators: len(s.Operators),
	}
	for _, evts := range s.Events {
		counts.Events += len(evts)
	}
	return counts
}

// ImportSnapshot applies the schema and inserts the snapshot's rows in a
// single transaction, preserving IDs and timestamps. Rows that already exist
// are left untouched, so re-running a partially completed migration is safe.
func ImportSnapshot(ctx context.Context, pool *pgxpool.Pool, snap Snapshot) error {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, profile := range snap.Profiles {
			if _, err := tx.Exec(ctx,
				`INSERT INTO profiles (id, name, api_base_url, token_ref, default_privacy, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
				profile.ID, profile.Name, profile.APIBaseURL, profile.TokenRef, profile.DefaultPrivacy, profile.CreatedAt,
			); err != nil {
				return fmt.Errorf("import profile %s: %w", profile.ID, err)
			}
		}
		for _, summary := range snap.Sessions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO sessions (id, profile_id, state, source_path, started_at, ended_at,
					broadcast_id, stream_id, ingest_address, stream_name,
					effective_duration_sec, stop_at, error_code, error_message)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				 ON CONFLICT (id) DO NOTHING`,
				summary.ID, summary.ProfileID, string(summary.State), summary.SourcePath,
				summary.StartedAt, summary.EndedAt, summary.BroadcastID, summary.StreamID,
				summary.IngestAddress, summary.StreamName, summary.EffectiveDurationSec,
				summary.StopAt, summary.ErrorCode, summary.ErrorMessage,
			); err != nil {
				return fmt.Errorf("import session %s: %w", summary.ID, err)
			}
		}
		for sessionID, evts := range snap.Events {
			for _, evt := range evts {
				if _, err := tx.Exec(ctx,
					`INSERT INTO session_events (id, session_id, at, level, code, message)
					 SELECT $1, $2, $3, $4, $5, $6
					 WHERE NOT EXISTS (SELECT 1 FROM session_events WHERE id = $1)`,
					evt.ID, sessionID, evt.At, string(evt.Level), evt.Code, evt.Message,
				); err != nil {
					return fmt.Errorf("import event %s: %w", evt.ID, err)
				}
			}
		}
		for _, operator := range snap.Operators {
			if _, err := tx.Exec(ctx,
				`INSERT INTO operators (id, email, display_name, password_hash, created_at)
				 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
				operator.ID, operator.Email, operator.DisplayName, operator.PasswordHash, operator.CreatedAt,
			); err != nil {
				return fmt.Errorf("import operator %s: %w", operator.ID, err)
			}
		}
		return nil
	})
}
