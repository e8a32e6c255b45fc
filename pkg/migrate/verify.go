package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/000haoji/deep-student-rag/internal/encoding"
	"github.com/000haoji/deep-student-rag/pkg/core"
)

// verifySampleSize bounds how many source rows each category re-checks
// against the destination.
const verifySampleSize = 50

// verify compares destination row counts against the relational mirrors and
// re-checks a sample of each source, then writes the completion gate. The
// gate opens only when every category finished, the counts cover the
// mirrors, and every sampled row is present. It reports whether the gate
// opened; a closed gate is not an error.
func (c *Coordinator) verify(ctx context.Context) (bool, error) {
	rel := c.store.RelationalDB()

	for _, category := range []string{CategorySQLVectors, CategoryLegacyKBLance, CategoryLegacyChatLance} {
		p, err := loadProgress(ctx, rel, category)
		if err != nil {
			return false, err
		}
		if !p.Terminal() {
			return c.closeGate(ctx, fmt.Sprintf("category %s not completed", category))
		}
	}

	expectedKB, err := scalarCount(ctx, rel, "SELECT COUNT(*) FROM chunks")
	if err != nil {
		return false, err
	}
	actualKB, err := c.destinationTotal(ctx, core.KBTableName)
	if err != nil {
		return false, err
	}
	if actualKB < expectedKB {
		return c.closeGate(ctx, fmt.Sprintf(
			"knowledge base holds %d rows, chunk mirror expects %d", actualKB, expectedKB))
	}

	expectedChat, err := scalarCount(ctx, rel, "SELECT COUNT(*) FROM messages WHERE role = 'user'")
	if err != nil {
		return false, err
	}
	actualChat, err := c.destinationTotal(ctx, core.ChatTableName)
	if err != nil {
		return false, err
	}
	if actualChat < expectedChat {
		return c.closeGate(ctx, fmt.Sprintf(
			"chat store holds %d rows, message mirror expects %d user messages", actualChat, expectedChat))
	}

	checks := []struct {
		name string
		run  func(context.Context) (int, int, error)
	}{
		{CategorySQLVectors, c.verifySQLVectors},
		{CategoryLegacyKBLance, c.verifyLegacyKB},
		{CategoryLegacyChatLance, c.verifyLegacyChat},
	}
	for _, check := range checks {
		sampled, missing, err := check.run(ctx)
		if err != nil {
			return false, err
		}
		if missing > 0 {
			return c.closeGate(ctx, fmt.Sprintf(
				"category %s: %d of %d sampled rows missing from destination", check.name, missing, sampled))
		}
		c.log.Debug().Str("category", check.name).Int("sampled", sampled).Msg("verification sample clean")
	}

	if err := c.store.Settings().SetInt64(ctx, settingGateFailures, 0); err != nil {
		return false, err
	}
	if err := c.store.Settings().Set(ctx, core.SettingMigrationCompleted, "1"); err != nil {
		return false, err
	}
	c.log.Info().Msg("migration verified")
	return true, nil
}

// closeGate records one more failed verification and keeps the gate shut.
// The host keeps serving from legacy paths and retries the migration later.
func (c *Coordinator) closeGate(ctx context.Context, reason string) (bool, error) {
	failures := c.store.Settings().GetInt64(ctx, settingGateFailures, 0) + 1
	c.log.Warn().Str("reason", reason).Int64("consecutive_failures", failures).
		Msg("migration verification failed")
	if err := c.store.Settings().SetInt64(ctx, settingGateFailures, failures); err != nil {
		return false, err
	}
	return false, c.store.Settings().Set(ctx, core.SettingMigrationCompleted, "0")
}

// scalarCount runs a COUNT query against db.
func scalarCount(ctx context.Context, db *sql.DB, query string) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// destinationTotal sums the row counts of every existing per-dimension
// destination table named by name.
func (c *Coordinator) destinationTotal(ctx context.Context, name func(int) string) (int64, error) {
	vec := c.store.VectorDB()
	var total int64
	for _, d := range core.CandidateDims() {
		table := name(d)
		ok, err := tableExists(ctx, vec, table)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		n, err := scalarCount(ctx, vec, "SELECT COUNT(*) FROM "+table)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// verifySQLVectors samples joinable rag_vectors rows and confirms each
// chunk id landed in some canonical knowledge-base table.
func (c *Coordinator) verifySQLVectors(ctx context.Context) (sampled, missing int, err error) {
	rel := c.store.RelationalDB()

	ok, err := tableExists(ctx, rel, "rag_vectors")
	if err != nil || !ok {
		return 0, 0, err
	}

	rows, err := rel.QueryContext(ctx, `
		SELECT v.chunk_id, v.embedding FROM rag_vectors v
		JOIN chunks c ON c.chunk_id = v.chunk_id
		ORDER BY v.chunk_id LIMIT ?`, verifySampleSize)
	if err != nil {
		return 0, 0, err
	}
	ids, err := decodableIDs(rows)
	if err != nil {
		return 0, 0, err
	}

	for _, id := range ids {
		found, err := c.kbChunkExists(ctx, id)
		if err != nil {
			return 0, 0, err
		}
		sampled++
		if !found {
			missing++
		}
	}
	return sampled, missing, nil
}

func (c *Coordinator) verifyLegacyKB(ctx context.Context) (sampled, missing int, err error) {
	vec := c.store.VectorDB()
	rel := c.store.RelationalDB()

	for _, d := range core.CandidateDims() {
		table := core.LegacyKBTableName(d)
		if ok, err := tableExists(ctx, vec, table); err != nil || !ok {
			if err != nil {
				return 0, 0, err
			}
			continue
		}
		rows, err := vec.QueryContext(ctx,
			"SELECT chunk_id, embedding FROM "+table+" ORDER BY rowid LIMIT ?", verifySampleSize)
		if err != nil {
			return 0, 0, err
		}
		ids, err := decodableIDs(rows)
		if err != nil {
			return 0, 0, err
		}
		for _, id := range ids {
			var one int
			err := rel.QueryRowContext(ctx, "SELECT 1 FROM chunks WHERE chunk_id = ?", id).Scan(&one)
			if err == sql.ErrNoRows {
				continue // join miss, legitimately skipped during migration
			}
			if err != nil {
				return 0, 0, err
			}
			found, err := c.kbChunkExists(ctx, id)
			if err != nil {
				return 0, 0, err
			}
			sampled++
			if !found {
				missing++
			}
		}
	}
	return sampled, missing, nil
}

func (c *Coordinator) verifyLegacyChat(ctx context.Context) (sampled, missing int, err error) {
	vec := c.store.VectorDB()
	rel := c.store.RelationalDB()

	tables := []string{"chat_embeddings"}
	for _, d := range core.CandidateDims() {
		tables = append(tables, core.LegacyChatTableName(d))
	}
	for _, table := range tables {
		if ok, err := tableExists(ctx, vec, table); err != nil || !ok {
			if err != nil {
				return 0, 0, err
			}
			continue
		}
		rows, err := vec.QueryContext(ctx,
			"SELECT message_id, embedding FROM "+table+" ORDER BY rowid LIMIT ?", verifySampleSize)
		if err != nil {
			return 0, 0, err
		}
		ids, err := decodableIDs(rows)
		if err != nil {
			return 0, 0, err
		}
		for _, id := range ids {
			var one int
			err := rel.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE message_id = ?", id).Scan(&one)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return 0, 0, err
			}
			found, err := c.chatMessageExists(ctx, id)
			if err != nil {
				return 0, 0, err
			}
			sampled++
			if !found {
				missing++
			}
		}
	}
	return sampled, missing, nil
}

// decodableIDs drains an (id, embedding) result set, keeping ids whose
// blob decodes to an accepted dimension.
func decodableIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		if v, err := encoding.DecodeRawVector(blob); err == nil && core.IsValidDim(len(v)) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (c *Coordinator) kbChunkExists(ctx context.Context, chunkID string) (bool, error) {
	vec := c.store.VectorDB()
	for _, d := range core.CandidateDims() {
		table := core.KBTableName(d)
		ok, err := tableExists(ctx, vec, table)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		var one int
		err = vec.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE chunk_id = ?", chunkID).Scan(&one)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (c *Coordinator) chatMessageExists(ctx context.Context, messageID string) (bool, error) {
	vec := c.store.VectorDB()
	for _, d := range core.CandidateDims() {
		table := core.ChatTableName(d)
		ok, err := tableExists(ctx, vec, table)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		var one int
		err = vec.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE message_id = ?", messageID).Scan(&one)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
