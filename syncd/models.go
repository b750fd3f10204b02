// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package syncd

import (
	"encoding/json"
	"fmt"
)

// Synced table names. The sync protocol is fixed to these five tables;
// anything else in a request is a validation error.
const (
	TableClassrooms  = "classrooms"
	TableStudents    = "students"
	TableAssignments = "assignments"
	TableSubmissions = "submissions"
	TableFolders     = "folders"
)

// SyncedTables lists all tables in the order they appear on the wire.
var SyncedTables = []string{
	TableClassrooms,
	TableStudents,
	TableAssignments,
	TableSubmissions,
	TableFolders,
}

// Submission lifecycle states.
const (
	StatusMissing = "missing" // no usable scan exists for this submission
	StatusScanned = "scanned" // captured locally, image not yet durably stored
	StatusSynced  = "synced"  // image stored remotely, metadata acknowledged
	StatusGraded  = "graded"  // grading result recorded
)

// Classroom is a group of students taught by one owner account.
type Classroom struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Subject   string `json:"subject,omitempty"`
	Grade     string `json:"grade,omitempty"`
	Archived  bool   `json:"archived,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Student belongs to exactly one classroom.
type Student struct {
	ID          string `json:"id"`
	ClassroomID string `json:"classroomId"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	SortOrder   int    `json:"sortOrder,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Assignment is a piece of work handed out to a classroom.
type Assignment struct {
	ID          string  `json:"id"`
	ClassroomID string  `json:"classroomId"`
	FolderID    string  `json:"folderId,omitempty"`
	Title       string  `json:"title"`
	MaxScore    float64 `json:"maxScore,omitempty"`
	DueAt       int64   `json:"dueAt,omitempty"`
	UpdatedAt   int64   `json:"updatedAt"`
}

// Submission is one student's scanned answer to one assignment.
//
// GradingResult and CorrectionCount are pointers on purpose: older server
// builds do not return them, and a nil value on the wire means "not
// propagated" rather than "cleared". Clients keep their local value in that
// case. The scanned image itself is never part of this record; the server
// only ever stores and returns ImagePath.
type Submission struct {
	ID              string   `json:"id"`
	AssignmentID    string   `json:"assignmentId"`
	StudentID       string   `json:"studentId"`
	Status          string   `json:"status"`
	Score           float64  `json:"score,omitempty"`
	GradingResult   *string  `json:"gradingResult,omitempty"`
	CorrectionCount *int     `json:"correctionCount,omitempty"`
	CreatedAt       int64    `json:"createdAt,omitempty"`
	ImagePath       string   `json:"imagePath,omitempty"`
	UpdatedAt       int64    `json:"updatedAt"`
}

// Folder organizes assignments into a shallow hierarchy.
type Folder struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ParentID  string `json:"parentId,omitempty"`
	SortOrder int    `json:"sortOrder,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// TombstoneEntry is the wire form of a deletion: which record died and when.
type TombstoneEntry struct {
	ID        string `json:"id"`
	DeletedAt int64  `json:"deletedAt"`
}

// DeletedSet carries tombstone entries per table.
type DeletedSet struct {
	Classrooms  []TombstoneEntry `json:"classrooms"`
	Students    []TombstoneEntry `json:"students"`
	Assignments []TombstoneEntry `json:"assignments"`
	Submissions []TombstoneEntry `json:"submissions"`
	Folders     []TombstoneEntry `json:"folders"`
}

// Table returns the entries for the named table.
func (d *DeletedSet) Table(name string) []TombstoneEntry {
	switch name {
	case TableClassrooms:
		return d.Classrooms
	case TableStudents:
		return d.Students
	case TableAssignments:
		return d.Assignments
	case TableSubmissions:
		return d.Submissions
	case TableFolders:
		return d.Folders
	}
	return nil
}

// SetTable replaces the entries for the named table.
func (d *DeletedSet) SetTable(name string, entries []TombstoneEntry) {
	switch name {
	case TableClassrooms:
		d.Classrooms = entries
	case TableStudents:
		d.Students = entries
	case TableAssignments:
		d.Assignments = entries
	case TableSubmissions:
		d.Submissions = entries
	case TableFolders:
		d.Folders = entries
	}
}

// SyncPayload is the bidirectional metadata envelope: the full live state of
// every synced table plus the deletions. The same shape is uploaded by POST
// /sync and returned by GET /sync.
type SyncPayload struct {
	Classrooms  []Classroom  `json:"classrooms"`
	Students    []Student    `json:"students"`
	Assignments []Assignment `json:"assignments"`
	Submissions []Submission `json:"submissions"`
	Folders     []Folder     `json:"folders"`
	Deleted     DeletedSet   `json:"deleted"`
}

// Row is the storage-level view of one record: its identity, its conflict
// timestamp, and the full record JSON (which also embeds both).
type Row struct {
	ID        string
	UpdatedAt int64
	Payload   json.RawMessage
}

// Tombstone is the durable server-side deletion marker.
type Tombstone struct {
	OwnerID   string
	TableName string
	RecordID  string
	DeletedAt int64
}

// rowMeta is the subset of every record the generic path needs.
type rowMeta struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Rows flattens one table of the payload into generic rows.
func (p *SyncPayload) Rows(table string) ([]Row, error) {
	marshal := func(n int, at func(int) (string, int64, any)) ([]Row, error) {
		rows := make([]Row, 0, n)
		for i := 0; i < n; i++ {
			id, updatedAt, v := at(i)
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshal %s row %s: %w", table, id, err)
			}
			rows = append(rows, Row{ID: id, UpdatedAt: updatedAt, Payload: raw})
		}
		return rows, nil
	}

	switch table {
	case TableClassrooms:
		return marshal(len(p.Classrooms), func(i int) (string, int64, any) {
			return p.Classrooms[i].ID, p.Classrooms[i].UpdatedAt, p.Classrooms[i]
		})
	case TableStudents:
		return marshal(len(p.Students), func(i int) (string, int64, any) {
			return p.Students[i].ID, p.Students[i].UpdatedAt, p.Students[i]
		})
	case TableAssignments:
		return marshal(len(p.Assignments), func(i int) (string, int64, any) {
			return p.Assignments[i].ID, p.Assignments[i].UpdatedAt, p.Assignments[i]
		})
	case TableSubmissions:
		return marshal(len(p.Submissions), func(i int) (string, int64, any) {
			return p.Submissions[i].ID, p.Submissions[i].UpdatedAt, p.Submissions[i]
		})
	case TableFolders:
		return marshal(len(p.Folders), func(i int) (string, int64, any) {
			return p.Folders[i].ID, p.Folders[i].UpdatedAt, p.Folders[i]
		})
	}
	return nil, fmt.Errorf("unknown table %q", table)
}

// SetRows fills one table of the payload from generic rows.
func (p *SyncPayload) SetRows(table string, rows []Row) error {
	switch table {
	case TableClassrooms:
		p.Classrooms = make([]Classroom, 0, len(rows))
		for _, r := range rows {
			var rec Classroom
			if err := json.Unmarshal(r.Payload, &rec); err != nil {
				return fmt.Errorf("unmarshal %s row %s: %w", table, r.ID, err)
			}
			p.Classrooms = append(p.Classrooms, rec)
		}
	case TableStudents:
		p.Students = make([]Student, 0, len(rows))
		for _, r := range rows {
			var rec Student
			if err := json.Unmarshal(r.Payload, &rec); err != nil {
				return fmt.Errorf("unmarshal %s row %s: %w", table, r.ID, err)
			}
			p.Students = append(p.Students, rec)
		}
	case TableAssignments:
		p.Assignments = make([]Assignment, 0, len(rows))
		for _, r := range rows {
			var rec Assignment
			if err := json.Unmarshal(r.Payload, &rec); err != nil {
				return fmt.Errorf("unmarshal %s row %s: %w", table, r.ID, err)
			}
			p.Assignments = append(p.Assignments, rec)
		}
	case TableSubmissions:
		p.Submissions = make([]Submission, 0, len(rows))
		for _, r := range rows {
			var rec Submission
			if err := json.Unmarshal(r.Payload, &rec); err != nil {
				return fmt.Errorf("unmarshal %s row %s: %w", table, r.ID, err)
			}
			p.Submissions = append(p.Submissions, rec)
		}
	case TableFolders:
		p.Folders = make([]Folder, 0, len(rows))
		for _, r := range rows {
			var rec Folder
			if err := json.Unmarshal(r.Payload, &rec); err != nil {
				return fmt.Errorf("unmarshal %s row %s: %w", table, r.ID, err)
			}
			p.Folders = append(p.Folders, rec)
		}
	default:
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

// PushResponse is the POST /sync result: either success or a short error.
type PushResponse struct {
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ImageUploadRequest carries one submission's scanned image to the server.
type ImageUploadRequest struct {
	SubmissionID string `json:"submissionId"`
	AssignmentID string `json:"assignmentId"`
	StudentID    string `json:"studentId"`
	CreatedAt    int64  `json:"createdAt"`
	ImageBase64  string `json:"imageBase64"`
	ContentType  string `json:"contentType"`
}

// ImageUploadResponse returns the durable reference path for an uploaded image.
type ImageUploadResponse struct {
	Success  bool   `json:"success,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ImageDownloadResponse returns a stored image for client-side cache recovery.
type ImageDownloadResponse struct {
	SubmissionID string `json:"submissionId"`
	ImageBase64  string `json:"imageBase64"`
	ContentType  string `json:"contentType"`
	ImageURL     string `json:"imageUrl"`
}

// ErrorResponse is the JSON error envelope used outside the sync endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CompactResponse reports how many tombstones a compaction pass removed.
type CompactResponse struct {
	Removed int64 `json:"removed"`
}
