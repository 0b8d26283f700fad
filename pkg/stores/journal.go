package stores

import (
	"github.com/cloudferry/cloudferry/pkg/model"
)

type tableKey struct {
	obj   *model.Object
	table string
}

type journalEntry struct {
	key         tableKey
	fingerprint []byte
	prev        int
}

// journal records the table fingerprints written in a transaction. Baselines
// move to them only once the transaction commits; a savepoint rollback
// rewinds the journal to the point the savepoint was taken.
type journal struct {
	entries []journalEntry
	latest  map[tableKey]int
}

// last returns the fingerprint most recently written for table of obj.
func (j *journal) last(obj *model.Object, table string) ([]byte, bool) {
	i, ok := j.latest[tableKey{obj, table}]
	if !ok {
		return nil, false
	}
	return j.entries[i].fingerprint, true
}

func (j *journal) record(obj *model.Object, table string, fp []byte) {
	if j.latest == nil {
		j.latest = make(map[tableKey]int)
	}
	key := tableKey{obj, table}
	prev, ok := j.latest[key]
	if !ok {
		prev = -1
	}
	j.entries = append(j.entries, journalEntry{key: key, fingerprint: fp, prev: prev})
	j.latest[key] = len(j.entries) - 1
}

func (j *journal) mark() int {
	return len(j.entries)
}

// rewind forgets every write recorded after mark.
func (j *journal) rewind(mark int) {
	for i := len(j.entries) - 1; i >= mark; i-- {
		e := j.entries[i]
		if e.prev < 0 {
			delete(j.latest, e.key)
		} else {
			j.latest[e.key] = e.prev
		}
	}
	j.entries = j.entries[:mark]
}

// commit makes the last written fingerprints the objects' baselines.
func (j *journal) commit() {
	for key, i := range j.latest {
		key.obj.SetBaseline(key.table, j.entries[i].fingerprint)
	}
	j.entries = nil
	j.latest = nil
}
