// Package drop is a content-addressed file store with asynchronous
// deduplication. Uploads are staged and recorded as provisional files; a pool
// of hash workers later resolves each provisional file into either a new
// canonical file or a merge into an existing one. Files are reference counted
// through the messages that point at them and are reclaimed by a periodic
// sweep once the last reference is gone.
package drop

import "time"

// HashStatus is the hashing state of a File.
type HashStatus string

const (
	HashPending    HashStatus = "pending"
	HashProcessing HashStatus = "processing"
	HashCompleted  HashStatus = "completed"
	HashFailed     HashStatus = "failed"
)

// TaskStatus is the state of a hashing Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// MessageKind distinguishes text messages from file messages.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

// File is one physical content blob.
//
// While hashing is pending or processing, Location is the staging location.
// Once completed, Location is the permanent content-addressed location and
// StagingPath holds the staging location until placement is confirmed.
// Location is empty once the bytes have been reclaimed.
type File struct {
	ID             int64
	Digest         string
	Location       string
	StagingPath    string
	Category       Category
	MimeType       string
	Size           int64
	ReferenceCount int64
	HashStatus     HashStatus
	Tombstone      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Canonical reports whether f is the authoritative row for its digest.
func (f *File) Canonical() bool {
	return f.HashStatus == HashCompleted && !f.Tombstone && f.Digest != ""
}

// Placed reports whether the bytes of a completed file have reached the
// permanent area.
func (f *File) Placed() bool {
	return f.HashStatus == HashCompleted && f.StagingPath == "" && f.Location != ""
}

// Message is a timeline entry. File messages hold one reference on their File.
type Message struct {
	ID          int64
	Kind        MessageKind
	Content     string
	FileID      int64 // 0 for text messages or once the file row is gone
	DeviceID    string
	ContentSize int64
	Deleted     bool
	CreatedAt   time.Time
}

// Task is a durable unit of hashing work for one File.
type Task struct {
	ID             int64
	FileID         int64
	Status         TaskStatus
	LeaseOwner     string
	LeaseExpiresAt time.Time
	Attempts       int
	LastError      string
	ResolvedFileID int64
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	UpdatedAt      time.Time
}

// Lease is a worker's time-bounded claim on a Task.
type Lease struct {
	TaskID    int64
	FileID    int64
	Owner     string
	ExpiresAt time.Time
	Attempts  int
	Location  string
}

// UploadReceipt is returned once an upload is staged and committed.
type UploadReceipt struct {
	MessageID int64
	FileID    int64
	TaskID    int64
	Size      int64
	MimeType  string
	Category  Category
}

// Stats summarizes catalog state.
type Stats struct {
	FilesByStatus  map[HashStatus]int64
	TasksByStatus  map[TaskStatus]int64
	Tombstoned     int64
	Messages       int64
	DeletedMsgs    int64
	LogicalBytes   int64 // bytes referenced by live messages
	PhysicalBytes  int64 // bytes held by canonical files
	UnplacedFiles  int64
	PendingReclaim int64
}

// SavedBytes is the space deduplication avoided storing.
func (s *Stats) SavedBytes() int64 {
	if s.LogicalBytes < s.PhysicalBytes {
		return 0
	}
	return s.LogicalBytes - s.PhysicalBytes
}
