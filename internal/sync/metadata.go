package sync

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tonimelisma/dirsync/internal/remote"
)

// Remote object names under the configured remote directory.
const (
	MetadataName    = "metadata.json"
	MainArchiveName = "database.zip"
	testMarkerName  = ".test"
)

// timestampLayout is ISO-8601 UTC with millisecond precision, the format the
// metadata document has always used.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a UTC instant serialized with millisecond precision.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to milliseconds in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}

	return json.Marshal(t.UTC().Format(timestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler. Empty strings and null decode
// to the zero time.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}

		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	if s == "" {
		t.Time = time.Time{}

		return nil
	}

	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", s, err)
	}

	t.Time = parsed.UTC()

	return nil
}

// DeviceRecord is one installation that has participated in sync.
type DeviceRecord struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	LastSync Timestamp `json:"lastSync"`
	Platform string    `json:"platform"`
}

// Metadata is the remote descriptor document. Checksum always describes the
// main archive that was current when the document was written.
type Metadata struct {
	Version      string         `json:"version"`
	Timestamp    Timestamp      `json:"timestamp"`
	Devices      []DeviceRecord `json:"devices"`
	Checksum     string         `json:"checksum"`
	LastModified Timestamp      `json:"lastModified"`
}

// HasDevice reports whether id is registered.
func (m *Metadata) HasDevice(id string) bool {
	for i := range m.Devices {
		if m.Devices[i].ID == id {
			return true
		}
	}

	return false
}

// UpsertDevice returns a copy of doc with rec replacing the record of the
// same id (or appended), duplicate ids collapsed, and Timestamp set to now.
// It performs no I/O; callers still write the result.
func UpsertDevice(doc Metadata, rec DeviceRecord, now time.Time) Metadata {
	devices := make([]DeviceRecord, 0, len(doc.Devices)+1)
	seen := make(map[string]bool, len(doc.Devices)+1)
	placed := false

	for _, d := range doc.Devices {
		if seen[d.ID] {
			continue
		}

		seen[d.ID] = true

		if d.ID == rec.ID {
			devices = append(devices, rec)
			placed = true

			continue
		}

		devices = append(devices, d)
	}

	if !placed {
		devices = append(devices, rec)
	}

	doc.Devices = devices
	doc.Timestamp = NewTimestamp(now)

	return doc
}

// validate checks the fields the engine depends on.
func (m *Metadata) validate() error {
	if len(m.Checksum) != 64 {
		return fmt.Errorf("%w: checksum %q is not a SHA-256 hex digest", ErrRemoteFormat, m.Checksum)
	}

	if _, err := hex.DecodeString(m.Checksum); err != nil {
		return fmt.Errorf("%w: checksum %q is not hex", ErrRemoteFormat, m.Checksum)
	}

	if m.LastModified.IsZero() {
		return fmt.Errorf("%w: lastModified missing", ErrRemoteFormat)
	}

	for i := range m.Devices {
		if strings.TrimSpace(m.Devices[i].ID) == "" {
			return fmt.Errorf("%w: device record %d has no id", ErrRemoteFormat, i)
		}
	}

	return nil
}

// MetadataStore reads and writes metadata.json in the remote directory.
type MetadataStore struct {
	transport Transport
	dir       string
	logger    *slog.Logger
}

// NewMetadataStore returns a store for <dir>/metadata.json.
func NewMetadataStore(t Transport, dir string, logger *slog.Logger) *MetadataStore {
	return &MetadataStore{transport: t, dir: remote.Join(dir), logger: logger}
}

// Path returns the remote path of the document.
func (s *MetadataStore) Path() string {
	return remote.Join(s.dir, MetadataName)
}

// Exists reports whether the document is present.
func (s *MetadataStore) Exists(ctx context.Context) (bool, error) {
	ok, err := s.transport.Exists(ctx, s.Path())
	if err != nil {
		return false, fmt.Errorf("sync: checking %s: %w", s.Path(), err)
	}

	return ok, nil
}

// Read fetches and validates the document. Malformed content fails with an
// error matching ErrRemoteFormat.
func (s *MetadataStore) Read(ctx context.Context) (*Metadata, error) {
	var buf bytes.Buffer
	if _, err := s.transport.Get(ctx, s.Path(), &buf); err != nil {
		return nil, fmt.Errorf("sync: reading %s: %w", s.Path(), err)
	}

	var doc Metadata
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrRemoteFormat, s.Path(), err)
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

// Write creates the remote directory if needed and uploads doc.
func (s *MetadataStore) Write(ctx context.Context, doc *Metadata) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("sync: encoding metadata: %w", err)
	}

	if err := s.transport.MkdirAll(ctx, s.dir); err != nil {
		return fmt.Errorf("sync: creating remote directory %s: %w", s.dir, err)
	}

	if err := s.transport.Put(ctx, s.Path(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("sync: writing %s: %w", s.Path(), err)
	}

	s.logger.Debug("metadata written",
		slog.String("path", s.Path()),
		slog.Int("devices", len(doc.Devices)),
		slog.String("checksum", doc.Checksum),
	)

	return nil
}
