package stores

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/model"
)

// ErrUnconstrainedDelete is returned by Session.Delete when no filter is set.
var ErrUnconstrainedDelete = errors.New("delete requires at least one of type, cloud or id")

type sessionKey struct{}

// SessionFrom returns the session carried by ctx.
func SessionFrom(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok
}

// txState is the physical transaction shared by a session and its children.
type txState struct {
	mu      sync.Mutex
	tx      *sql.Tx
	seq     int
	journal journal
}

// Session is a unit of work over the object tables. It keeps a write-behind
// cache of objects and tombstones that is flushed when the session ends
// successfully. A session opened while another one is carried by the context
// is nested: it shares the parent's transaction under a savepoint and sees
// the parent's cache, and its own writes become visible to the parent when
// it ends. Nested sessions of one parent run one at a time, and the parent
// must not be written while one of them is open.
type Session struct {
	owner  *SQLiteStore
	parent *Session
	tx     *txState
	logger zerolog.Logger

	savepoint string
	mark      int
	// slot is held by the open child of this session, if any.
	slot  chan struct{}
	ended bool

	mu      sync.Mutex
	objects map[model.ObjectID]*model.Object
	// missing maps tombstoned ids to whether the tombstone is already written.
	missing map[model.ObjectID]bool
}

type sessionResolver struct{}

// Resolve retrieves id from the innermost session carried by ctx.
func (sessionResolver) Resolve(ctx context.Context, id model.ObjectID) (*model.Object, error) {
	sess, ok := SessionFrom(ctx)
	if !ok {
		return nil, model.ErrNoResolver
	}
	return sess.Retrieve(ctx, id)
}

// WithSession runs fn inside a session. If ctx already carries a session of
// this store the new one is nested in it. The outermost session commits when
// fn succeeds and rolls back otherwise. A failed nested session rolls back to
// its savepoint, so neither it nor its own children write anything, and its
// cache is discarded.
//
// Lazy references dereferenced with the context passed to fn resolve through
// the session unless ctx already carries another resolver.
func (s *SQLiteStore) WithSession(ctx context.Context, fn func(ctx context.Context, sess *Session) error) error {
	parent, ok := SessionFrom(ctx)
	if ok && parent.owner != s {
		parent = nil
	}

	sess, err := s.openSession(ctx, parent)
	if err != nil {
		return err
	}

	sctx := context.WithValue(ctx, sessionKey{}, sess)
	if _, ok := model.ResolverFrom(ctx); !ok {
		sctx = model.WithResolver(sctx, sessionResolver{})
	}

	defer func() {
		if p := recover(); p != nil {
			sess.abort()
			panic(p)
		}
	}()

	if err := fn(sctx, sess); err != nil {
		sess.abort()
		return err
	}

	return sess.finish(ctx)
}

func (s *SQLiteStore) openSession(ctx context.Context, parent *Session) (*Session, error) {
	sess := &Session{
		owner:   s,
		parent:  parent,
		slot:    make(chan struct{}, 1),
		objects: make(map[model.ObjectID]*model.Object),
		missing: make(map[model.ObjectID]bool),
	}

	if parent != nil {
		select {
		case parent.slot <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// pending parent writes belong before the savepoint
		if err := parent.Flush(ctx); err != nil {
			<-parent.slot
			return nil, fmt.Errorf("failed to flush parent session: %w", err)
		}
		sess.tx = parent.tx
		sess.logger = parent.logger
		if err := sess.openSavepoint(ctx); err != nil {
			<-parent.slot
			return nil, err
		}
		return sess, nil
	}

	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	sess.tx = &txState{tx: tx}
	sess.logger = s.logger
	return sess, nil
}

func (sess *Session) openSavepoint(ctx context.Context) error {
	sess.tx.mu.Lock()
	defer sess.tx.mu.Unlock()

	sess.tx.seq++
	name := fmt.Sprintf("sp_%d", sess.tx.seq)
	if _, err := sess.tx.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	sess.savepoint = name
	sess.mark = sess.tx.journal.mark()
	return nil
}

// abort discards everything sess wrote. It is a no-op once sess ended.
func (sess *Session) abort() {
	if sess.ended {
		return
	}
	sess.ended = true

	if sess.parent != nil {
		sess.rollbackToSavepoint()
		<-sess.parent.slot
		return
	}

	sess.tx.mu.Lock()
	defer sess.tx.mu.Unlock()
	if err := sess.tx.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		sess.logger.Error().Err(err).Msg("Failed to roll back session")
	}
}

func (sess *Session) rollbackToSavepoint() {
	sess.tx.mu.Lock()
	defer sess.tx.mu.Unlock()

	sess.tx.journal.rewind(sess.mark)
	// the context of a failed session may be canceled already
	for _, stmt := range []string{"ROLLBACK TO ", "RELEASE "} {
		if _, err := sess.tx.tx.Exec(stmt + sess.savepoint); err != nil {
			if !errors.Is(err, sql.ErrTxDone) {
				sess.logger.Error().Err(err).Str("savepoint", sess.savepoint).Msg("Failed to roll back nested session")
			}
			return
		}
	}
	sess.logger.Debug().Str("savepoint", sess.savepoint).Msg("Nested session rolled back")
}

func (sess *Session) releaseSavepoint(ctx context.Context) error {
	sess.tx.mu.Lock()
	defer sess.tx.mu.Unlock()
	if _, err := sess.tx.tx.ExecContext(ctx, "RELEASE "+sess.savepoint); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (sess *Session) finish(ctx context.Context) error {
	if err := sess.Flush(ctx); err != nil {
		sess.abort()
		return err
	}

	if sess.parent != nil {
		if err := sess.releaseSavepoint(ctx); err != nil {
			sess.abort()
			return err
		}
		sess.parent.adopt(sess)
		sess.ended = true
		<-sess.parent.slot
		return nil
	}

	sess.tx.mu.Lock()
	defer sess.tx.mu.Unlock()
	sess.ended = true
	if err := sess.tx.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	sess.tx.journal.commit()
	return nil
}

// adopt merges the cache of a finished child into sess.
func (sess *Session) adopt(child *Session) {
	child.mu.Lock()
	defer child.mu.Unlock()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	for id, obj := range child.objects {
		sess.objects[id] = obj
		delete(sess.missing, id)
	}
	for id, written := range child.missing {
		sess.missing[id] = written
		delete(sess.objects, id)
	}
}

// Store records obj for writing when the session ends, replacing any object
// cached under the same id.
func (sess *Session) Store(obj *model.Object) error {
	if obj == nil || !obj.Schema().HasPrimaryKey() || obj.ObjectID().IsZero() {
		return fmt.Errorf("failed to store object: %w", model.ErrMissingPrimaryKey)
	}

	id := obj.ObjectID()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.objects[id] = obj
	delete(sess.missing, id)
	return nil
}

// StoreMissing records that id is known not to exist in its cloud.
func (sess *Session) StoreMissing(id model.ObjectID) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	delete(sess.objects, id)
	sess.missing[id] = false
}

// lookup searches the cache of sess and its ancestors.
func (sess *Session) lookup(id model.ObjectID) (obj *model.Object, missing, found bool) {
	for cur := sess; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		o, ok := cur.objects[id]
		_, m := cur.missing[id]
		cur.mu.Unlock()
		if ok {
			return o, false, true
		}
		if m {
			return nil, true, true
		}
	}
	return nil, false, false
}

func (sess *Session) cache(obj *model.Object) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, ok := sess.objects[obj.ObjectID()]; !ok {
		sess.objects[obj.ObjectID()] = obj
	}
}

// Retrieve returns the object identified by id, reading the store when it
// is not cached. Unknown and tombstoned ids yield model.ErrNotFound.
func (sess *Session) Retrieve(ctx context.Context, id model.ObjectID) (*model.Object, error) {
	if obj, missing, found := sess.lookup(id); found {
		if missing {
			return nil, model.NotFound(id)
		}
		return obj, nil
	}

	schema, err := sess.owner.registry.Lookup(id.Type)
	if err != nil {
		return nil, err
	}

	rows, err := sess.query(ctx, schema, "o.uuid = ? AND o.cloud = ? AND o.type = ?", id.ID, id.Cloud, id.Type)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, model.NotFound(id)
	}

	row := rows[0]
	if row.tombstone {
		sess.mu.Lock()
		sess.missing[id] = true
		sess.mu.Unlock()
		return nil, model.NotFound(id)
	}

	obj, err := model.Restore(schema, row.tables)
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", id, err)
	}
	sess.cache(obj)
	return obj, nil
}

// Exists reports whether id is stored and not tombstoned.
func (sess *Session) Exists(ctx context.Context, id model.ObjectID) (bool, error) {
	_, err := sess.Retrieve(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsMissing reports whether id carries a tombstone.
func (sess *Session) IsMissing(ctx context.Context, id model.ObjectID) (bool, error) {
	if _, missing, found := sess.lookup(id); found {
		return missing, nil
	}

	sess.tx.mu.Lock()
	var isNull bool
	err := sess.tx.tx.QueryRowContext(ctx,
		`SELECT json IS NULL FROM objects WHERE uuid = ? AND cloud = ? AND type = ?`,
		id.ID, id.Cloud, id.Type,
	).Scan(&isNull)
	sess.tx.mu.Unlock()

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone for %s: %w", id, err)
	}

	if isNull {
		sess.mu.Lock()
		sess.missing[id] = true
		sess.mu.Unlock()
	}
	return isNull, nil
}

// List returns every stored object of typ, restricted to cloud when it is
// not empty. Cached and persisted objects are merged; the result is sorted
// by id.
func (sess *Session) List(ctx context.Context, typ, cloud string) ([]*model.Object, error) {
	schema, err := sess.owner.registry.Lookup(typ)
	if err != nil {
		return nil, err
	}

	where := "o.type = ? AND o.json IS NOT NULL"
	args := []any{typ}
	if cloud != "" {
		where += " AND o.cloud = ?"
		args = append(args, cloud)
	}

	rows, err := sess.query(ctx, schema, where, args...)
	if err != nil {
		return nil, err
	}

	seen := make(map[model.ObjectID]bool)
	var out []*model.Object

	for _, row := range rows {
		seen[row.id] = true
		obj, missing, found := sess.lookup(row.id)
		if found {
			if !missing {
				out = append(out, obj)
			}
			continue
		}
		obj, err := model.Restore(schema, row.tables)
		if err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", row.id, err)
		}
		sess.cache(obj)
		out = append(out, obj)
	}

	for cur := sess; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		var pending []model.ObjectID
		for id := range cur.objects {
			if id.Type == typ && (cloud == "" || id.Cloud == cloud) && !seen[id] {
				pending = append(pending, id)
			}
		}
		cur.mu.Unlock()

		for _, id := range pending {
			seen[id] = true
			// the innermost session decides between a cached object and a tombstone
			if obj, missing, found := sess.lookup(id); found && !missing {
				out = append(out, obj)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ObjectID().String() < out[j].ObjectID().String()
	})
	return out, nil
}

// Delete removes matching rows from filter.Table (objects by default) and
// drops matching entries from the caches of sess and its ancestors.
func (sess *Session) Delete(ctx context.Context, filter DeleteFilter) (int64, error) {
	if filter.Type == "" && filter.Cloud == "" && filter.ID == "" {
		return 0, ErrUnconstrainedDelete
	}

	table := filter.Table
	if table == "" {
		table = model.DefaultTable
	}
	if !sess.owner.knownTable(table) {
		return 0, fmt.Errorf("unknown storage table %q", table)
	}

	var conds []string
	var args []any
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Cloud != "" {
		conds = append(conds, "cloud = ?")
		args = append(args, filter.Cloud)
	}
	if filter.ID != "" {
		conds = append(conds, "uuid = ?")
		args = append(args, filter.ID)
	}

	match := func(id model.ObjectID) bool {
		return (filter.Type == "" || id.Type == filter.Type) &&
			(filter.Cloud == "" || id.Cloud == filter.Cloud) &&
			(filter.ID == "" || id.ID == filter.ID)
	}
	for cur := sess; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		for id := range cur.objects {
			if match(id) {
				delete(cur.objects, id)
			}
		}
		for id := range cur.missing {
			if match(id) {
				delete(cur.missing, id)
			}
		}
		cur.mu.Unlock()
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(conds, " AND "))

	sess.tx.mu.Lock()
	defer sess.tx.mu.Unlock()
	res, err := sess.tx.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Flush writes the dirty tables of cached objects and pending tombstones.
// It is called when the session ends and before a child session opens. A
// table counts as dirty when it differs from the last version written in the
// transaction, or from the baseline when it was not written yet; baselines
// only move when the outermost session commits.
func (sess *Session) Flush(ctx context.Context) error {
	sess.mu.Lock()
	objects := make([]*model.Object, 0, len(sess.objects))
	for _, obj := range sess.objects {
		objects = append(objects, obj)
	}
	var tombstones []model.ObjectID
	for id, written := range sess.missing {
		if !written {
			tombstones = append(tombstones, id)
		}
	}
	sess.mu.Unlock()

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].ObjectID().String() < objects[j].ObjectID().String()
	})

	sess.tx.mu.Lock()
	defer sess.tx.mu.Unlock()

	written := 0
	for _, obj := range objects {
		id := obj.ObjectID()
		wrote := false
		for _, table := range obj.Schema().Tables() {
			fp, err := obj.Fingerprint(table)
			if err != nil {
				return fmt.Errorf("failed to serialize %s for %s: %w", id, table, err)
			}
			if last, ok := sess.tx.journal.last(obj, table); ok {
				if bytes.Equal(last, fp) {
					continue
				}
			} else if !obj.IsDirty(table) {
				continue
			}

			data, err := obj.Dump(table)
			if err != nil {
				return fmt.Errorf("failed to serialize %s for %s: %w", id, table, err)
			}
			if err := upsertRow(ctx, sess.tx.tx, table, id, string(data)); err != nil {
				return err
			}
			sess.tx.journal.record(obj, table, fp)
			wrote = true
		}
		if wrote {
			written++
		}
	}

	for _, id := range tombstones {
		if err := upsertRow(ctx, sess.tx.tx, model.DefaultTable, id, nil); err != nil {
			return err
		}
	}

	if len(tombstones) > 0 {
		sess.mu.Lock()
		for _, id := range tombstones {
			if _, ok := sess.missing[id]; ok {
				sess.missing[id] = true
			}
		}
		sess.mu.Unlock()
	}

	if written > 0 || len(tombstones) > 0 {
		sess.logger.Debug().
			Int("objects", written).
			Int("tombstones", len(tombstones)).
			Bool("nested", sess.parent != nil).
			Msg("Session flushed")
	}
	return nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, table string, id model.ObjectID, data any) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (uuid, cloud, type, json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid, cloud, type) DO UPDATE SET json = excluded.json
	`, table)

	if _, err := tx.ExecContext(ctx, query, id.ID, id.Cloud, id.Type, data); err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", id, table, err)
	}
	return nil
}

type objectRow struct {
	id        model.ObjectID
	tombstone bool
	tables    map[string][]byte
}

func (sess *Session) query(ctx context.Context, schema *model.Schema, where string, args ...any) ([]objectRow, error) {
	tables := schema.Tables()
	query := selectObjectsQuery(schema, where)

	sess.tx.mu.Lock()
	defer sess.tx.mu.Unlock()

	rows, err := sess.tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s objects: %w", schema.Type, err)
	}
	defer rows.Close()

	var out []objectRow
	for rows.Next() {
		var row objectRow
		payloads := make([]sql.NullString, len(tables))
		dest := []any{&row.id.ID, &row.id.Cloud, &row.id.Type}
		for i := range payloads {
			dest = append(dest, &payloads[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s object: %w", schema.Type, err)
		}

		row.tombstone = !payloads[0].Valid
		row.tables = make(map[string][]byte, len(tables))
		for i, table := range tables {
			if payloads[i].Valid {
				row.tables[table] = []byte(payloads[i].String)
			}
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s objects: %w", schema.Type, err)
	}
	return out, nil
}
