package postgres

import (
	"fmt"
	"strings"

	"github.com/plone/guillotina-sub001"
)

// Statement names. Each one is prepared once per pooled connection.
const (
	stmtLoad            = "load"
	stmtStore           = "store"
	stmtStoreSimple     = "store_simple"
	stmtTrash           = "trash"
	stmtDelete          = "delete"
	stmtKeys            = "keys"
	stmtGetChild        = "get_child"
	stmtGetChildren     = "get_children"
	stmtHasKey          = "has_key"
	stmtLen             = "len"
	stmtItems           = "items"
	stmtPageOfKeys      = "page_of_keys"
	stmtGetAnnotation   = "get_annotation"
	stmtAnnotationKeys  = "annotation_keys"
	stmtVoteOIDs        = "vote_oids"
	stmtVoteAll         = "vote_all"
	stmtCreateStub      = "create_stub"
	stmtWriteChunk      = "write_chunk"
	stmtReadChunk       = "read_chunk"
	stmtChunkIndexes    = "chunk_indexes"
	stmtDelBlob         = "del_blob"
	stmtNextTID         = "next_tid"
	stmtLastTID         = "last_tid"
	stmtCurrentTID      = "current_tid"
	stmtTotalObjects    = "total_objects"
	stmtTotalOfType     = "total_of_type"
	stmtVacuumTrashed   = "vacuum_trashed"
	stmtVacuumStubs     = "vacuum_stubs"
	stmtInsertTrashItem = "insert_trash"
)

// recordColumns is the column list every record query selects, in scan order.
const recordColumns = `zoid, tid, state_size, part, resource, COALESCE(of, ''), COALESCE(otid, 0),
	COALESCE(parent_id, ''), COALESCE(id, ''), type, json, state`

// sqlTemplates holds the statements with {objects}, {blobs}, {sequence} and
// {trashed} placeholders.
var sqlTemplates = map[string]string{
	stmtLoad: `SELECT ` + recordColumns + ` FROM {objects}
	WHERE zoid = $1 AND parent_id IS DISTINCT FROM '{trashed}'`,

	// The update only applies while the row is still at the serial the writer read,
	// or was written earlier by the same transaction (a blob stub).
	stmtStore: `INSERT INTO {objects}
	(zoid, tid, state_size, part, resource, of, otid, parent_id, id, type, json, state)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (zoid) DO UPDATE SET
		tid = EXCLUDED.tid,
		state_size = EXCLUDED.state_size,
		part = EXCLUDED.part,
		resource = EXCLUDED.resource,
		of = EXCLUDED.of,
		otid = EXCLUDED.otid,
		parent_id = EXCLUDED.parent_id,
		id = EXCLUDED.id,
		type = EXCLUDED.type,
		json = EXCLUDED.json,
		state = EXCLUDED.state
	WHERE {objects}.tid = EXCLUDED.otid OR {objects}.tid = EXCLUDED.tid
	RETURNING tid`,

	stmtStoreSimple: `INSERT INTO {objects}
	(zoid, tid, state_size, part, resource, of, otid, parent_id, id, type, json, state)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (zoid) DO UPDATE SET
		tid = EXCLUDED.tid,
		state_size = EXCLUDED.state_size,
		part = EXCLUDED.part,
		resource = EXCLUDED.resource,
		of = EXCLUDED.of,
		otid = EXCLUDED.otid,
		parent_id = EXCLUDED.parent_id,
		id = EXCLUDED.id,
		type = EXCLUDED.type,
		json = EXCLUDED.json,
		state = EXCLUDED.state
	RETURNING tid`,

	stmtTrash: `UPDATE {objects} SET parent_id = '{trashed}', tid = $2 WHERE zoid = $1`,

	stmtDelete: `DELETE FROM {objects} WHERE zoid = $1`,

	stmtKeys: `SELECT id FROM {objects} WHERE parent_id = $1 ORDER BY id`,

	stmtGetChild: `SELECT ` + recordColumns + ` FROM {objects} WHERE parent_id = $1 AND id = $2`,

	stmtGetChildren: `SELECT ` + recordColumns + ` FROM {objects} WHERE parent_id = $1 AND id = ANY($2)`,

	stmtHasKey: `SELECT EXISTS (SELECT 1 FROM {objects} WHERE parent_id = $1 AND id = $2)`,

	stmtLen: `SELECT count(*) FROM {objects} WHERE parent_id = $1`,

	// A NULL limit returns every remaining child.
	stmtItems: `SELECT ` + recordColumns + ` FROM {objects}
	WHERE parent_id = $1 AND id > $2 ORDER BY id LIMIT $3`,

	stmtPageOfKeys: `SELECT id FROM {objects} WHERE parent_id = $1 ORDER BY id LIMIT $2 OFFSET $3`,

	stmtGetAnnotation: `SELECT ` + recordColumns + ` FROM {objects}
	WHERE of = $1 AND id = $2 AND parent_id IS DISTINCT FROM '{trashed}'`,

	stmtAnnotationKeys: `SELECT id FROM {objects}
	WHERE of = $1 AND parent_id IS DISTINCT FROM '{trashed}' ORDER BY id`,

	stmtVoteOIDs: `SELECT ` + recordColumns + ` FROM {objects} WHERE zoid = ANY($1) AND tid > $2`,

	stmtVoteAll: `SELECT ` + recordColumns + ` FROM {objects} WHERE tid > $1`,

	stmtCreateStub: `INSERT INTO {objects} (zoid, tid, state_size, part, resource, type)
	VALUES ($1, $2, 0, 0, FALSE, '` + guillotina.StubType + `')
	ON CONFLICT (zoid) DO NOTHING`,

	stmtWriteChunk: `INSERT INTO {blobs} (bid, zoid, chunk_index, data) VALUES ($1, $2, $3, $4)`,

	stmtReadChunk: `SELECT data FROM {blobs} WHERE bid = $1 AND chunk_index = $2`,

	stmtChunkIndexes: `SELECT chunk_index FROM {blobs} WHERE bid = $1 ORDER BY chunk_index`,

	stmtDelBlob: `DELETE FROM {blobs} WHERE bid = $1`,

	stmtNextTID: `SELECT nextval('{sequence}')`,

	stmtLastTID: `SELECT last_value FROM {sequence}`,

	stmtCurrentTID: `SELECT COALESCE(max(tid), 0) FROM {objects}`,

	stmtTotalObjects: `SELECT count(*) FROM {objects}
	WHERE zoid != '{trashed}' AND type != '` + guillotina.StubType + `'`,

	stmtTotalOfType: `SELECT count(*) FROM {objects} WHERE resource AND type = $1`,

	stmtVacuumTrashed: `DELETE FROM {objects} WHERE parent_id = '{trashed}'`,

	stmtVacuumStubs: `DELETE FROM {objects} o WHERE o.type = '` + guillotina.StubType + `'
	AND NOT EXISTS (SELECT 1 FROM {blobs} b WHERE b.zoid = o.zoid)`,

	stmtInsertTrashItem: `INSERT INTO {objects} (zoid, tid, state_size, part, resource, type)
	VALUES ('{trashed}', 0, 0, 0, FALSE, 'TRASH_REF')
	ON CONFLICT (zoid) DO NOTHING`,
}

// schemaTemplates create the tables and sequence. Indexes come separately so they
// can be built in parallel.
var schemaTemplates = []string{
	`CREATE TABLE IF NOT EXISTS {objects} (
		zoid VARCHAR(64) NOT NULL PRIMARY KEY,
		tid BIGINT NOT NULL,
		state_size BIGINT NOT NULL,
		part BIGINT NOT NULL DEFAULT 0,
		resource BOOLEAN NOT NULL,
		of VARCHAR(64) REFERENCES {objects} ON DELETE CASCADE,
		otid BIGINT,
		parent_id VARCHAR(64) REFERENCES {objects} ON DELETE CASCADE,
		id TEXT,
		type TEXT NOT NULL,
		json JSONB,
		state BYTEA
	)`,
	`CREATE TABLE IF NOT EXISTS {blobs} (
		bid VARCHAR(64) NOT NULL,
		zoid VARCHAR(64) NOT NULL REFERENCES {objects} ON DELETE CASCADE,
		chunk_index INT NOT NULL,
		data BYTEA,
		PRIMARY KEY (bid, zoid, chunk_index)
	)`,
	`CREATE SEQUENCE IF NOT EXISTS {sequence}`,
}

// indexTemplates are grouped per table. Groups are built concurrently, the statements
// of one group in order.
var indexTemplates = [][]string{{
	`CREATE INDEX IF NOT EXISTS {objects}_tid ON {objects} (tid)`,
	`CREATE INDEX IF NOT EXISTS {objects}_of ON {objects} (of)`,
	`CREATE INDEX IF NOT EXISTS {objects}_part ON {objects} (part)`,
	`CREATE INDEX IF NOT EXISTS {objects}_parent ON {objects} (parent_id)`,
	`CREATE INDEX IF NOT EXISTS {objects}_id ON {objects} (id)`,
	`CREATE INDEX IF NOT EXISTS {objects}_type ON {objects} (type)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS {objects}_parent_id_id_key
		ON {objects} (parent_id, id) WHERE parent_id != '{trashed}'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS {objects}_annotations_unique ON {objects} (of, id)`,
}, {
	`CREATE INDEX IF NOT EXISTS {blobs}_bid ON {blobs} (bid)`,
	`CREATE INDEX IF NOT EXISTS {blobs}_zoid ON {blobs} (zoid)`,
	`CREATE INDEX IF NOT EXISTS {blobs}_chunk ON {blobs} (chunk_index)`,
}}

// sqlSet is the rendered statement text for one table prefix.
type sqlSet struct {
	objects  string
	blobs    string
	sequence string
	stmts    map[string]string
	schema   []string
	indexes  [][]string
}

func newSQLSet(prefix string) (*sqlSet, error) {
	for _, r := range prefix {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return nil, fmt.Errorf("invalid table prefix %q", prefix)
		}
	}
	s := &sqlSet{
		objects:  prefix + "objects",
		blobs:    prefix + "blobs",
		sequence: prefix + "tid_sequence",
		stmts:    make(map[string]string, len(sqlTemplates)),
	}
	r := strings.NewReplacer(
		"{objects}", s.objects,
		"{blobs}", s.blobs,
		"{sequence}", s.sequence,
		"{trashed}", guillotina.TrashedOID,
	)
	for name, tmpl := range sqlTemplates {
		s.stmts[name] = r.Replace(tmpl)
	}
	for _, tmpl := range schemaTemplates {
		s.schema = append(s.schema, r.Replace(tmpl))
	}
	for _, group := range indexTemplates {
		stmts := make([]string, len(group))
		for i, tmpl := range group {
			stmts[i] = r.Replace(tmpl)
		}
		s.indexes = append(s.indexes, stmts)
	}
	return s, nil
}
