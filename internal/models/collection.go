package models

import "fmt"

// Collection names one independently synced record collection.
type Collection string

const (
	CollectionTasks       Collection = "tasks"
	CollectionTimeEntries Collection = "timeentries"
	CollectionCustomers   Collection = "customers"
	CollectionWiki        Collection = "wiki"
)

// Collections lists every synced collection in sync order.
var Collections = []Collection{
	CollectionCustomers,
	CollectionTasks,
	CollectionTimeEntries,
	CollectionWiki,
}

// ParseCollection resolves a collection name, accepting a few common aliases.
func ParseCollection(name string) (Collection, error) {
	switch name {
	case "tasks", "task", "todos":
		return CollectionTasks, nil
	case "timeentries", "time", "time-entries":
		return CollectionTimeEntries, nil
	case "customers", "customer":
		return CollectionCustomers, nil
	case "wiki", "notes":
		return CollectionWiki, nil
	}
	return "", fmt.Errorf("unknown collection %q", name)
}

// SyncTarget identifies the remote repository used as document store.
type SyncTarget struct {
	Owner  string
	Repo   string
	Branch string
}

// FullName returns "owner/repo".
func (t SyncTarget) FullName() string {
	return t.Owner + "/" + t.Repo
}
