package scheduler

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	assignmentsTable = "assignments"
	idIndex          = "id"     // lookup by event id
	workerIndex      = "worker" // lookup of every event assigned to a worker
)

// assignment records that an event is being retrieved by a worker.
type assignment struct {
	EventId string
	Worker  string
}

// assignmentTable tracks which event ids are owned by a running worker, so that no event is retrieved by two
// workers at once. It is stored in a go-memdb database; the unique id index enforces single ownership.
type assignmentTable struct {
	db *memdb.MemDB
}

func newAssignmentTable() (*assignmentTable, error) {
	db, err := memdb.NewMemDB(assignmentSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &assignmentTable{db: db}, nil
}

// assign records every id as owned by worker. Nothing is recorded if any id is already owned.
func (t *assignmentTable) assign(worker string, eventIds []string) error {
	txn := t.db.Txn(true)
	defer txn.Abort()
	for _, id := range eventIds {
		existing, err := txn.First(assignmentsTable, idIndex, id)
		if err != nil {
			return errors.WithStack(err)
		}
		if existing != nil {
			return errors.Errorf("event %s is already assigned to %s", id, existing.(*assignment).Worker)
		}
		if err := txn.Insert(assignmentsTable, &assignment{EventId: id, Worker: worker}); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// release forgets every assignment of worker and returns the number removed.
func (t *assignmentTable) release(worker string) (int, error) {
	txn := t.db.Txn(true)
	defer txn.Abort()
	n, err := txn.DeleteAll(assignmentsTable, workerIndex, worker)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	txn.Commit()
	return n, nil
}

func (t *assignmentTable) isAssigned(eventId string) bool {
	txn := t.db.Txn(false)
	defer txn.Abort()
	existing, err := txn.First(assignmentsTable, idIndex, eventId)
	return err == nil && existing != nil
}

// eventIds returns every assigned event id.
func (t *assignmentTable) eventIds() (map[string]struct{}, error) {
	txn := t.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(assignmentsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ids := map[string]struct{}{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		ids[obj.(*assignment).EventId] = struct{}{}
	}
	return ids, nil
}

// assignedTo returns the ids owned by worker in id order.
func (t *assignmentTable) assignedTo(worker string) ([]string, error) {
	txn := t.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(assignmentsTable, workerIndex, worker)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var ids []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		ids = append(ids, obj.(*assignment).EventId)
	}
	return ids, nil
}

func assignmentSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "EventId"},
	}
	indexes[workerIndex] = &memdb.IndexSchema{
		Name:    workerIndex,
		Unique:  false,
		Indexer: &memdb.StringFieldIndex{Field: "Worker"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			assignmentsTable: {
				Name:    assignmentsTable,
				Indexes: indexes,
			},
		},
	}
}
