// Package project answers the project commands sent by the Gisquick server.
package project

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/aperturerobotics/go-gisquick-bridge/dispatch"
	"github.com/aperturerobotics/go-gisquick-bridge/failure"
)

// Command types served by Handlers.
const (
	CommandInfo      = "ProjectInfo"
	CommandDirectory = "ProjectDirectory"
)

// StatusNotOpened is the status of every project command while no project
// is open.
const StatusNotOpened = 404

func notOpened() error {
	return failure.New("Project is not opened", StatusNotOpened)
}

// Source reports the currently open project.
type Source interface {
	// FilePath is the absolute project file path, or "" when none is open.
	FilePath() string
	Title() string
	Dirty() bool
}

// FileSource is a Source backed by a plain path.
type FileSource struct {
	mu    sync.RWMutex
	path  string
	title string
	dirty bool
}

// NewFileSource returns a FileSource with path opened. An empty path means
// no project.
func NewFileSource(path string) *FileSource {
	s := &FileSource{}
	s.Open(path, "")
	return s
}

// Open switches to the project at path. An empty title falls back to the
// file name without extension.
func (s *FileSource) Open(path, title string) {
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	s.mu.Lock()
	s.path, s.title, s.dirty = path, title, false
	s.mu.Unlock()
}

// Close forgets the open project.
func (s *FileSource) Close() {
	s.Open("", "")
}

// SetDirty marks unsaved changes.
func (s *FileSource) SetDirty(dirty bool) {
	s.mu.Lock()
	s.dirty = dirty
	s.mu.Unlock()
}

func (s *FileSource) FilePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *FileSource) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.title != "" || s.path == "" {
		return s.title
	}
	base := filepath.Base(s.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *FileSource) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// ClientInfo describes the plugin side of the connection.
type ClientInfo struct {
	PluginVersion string    `json:"plugin_version"`
	HostVersion   string    `json:"qgis_version,omitempty"`
	Platform      [2]string `json:"platform"`
	Directory     string    `json:"directory"`
}

// Options are the ProjectInfo command parameters.
type Options struct {
	SkipLayersWithError bool `json:"skip_layers_with_error"`
}

// Describer adds host-specific fields (layers, extent, projections) to a
// ProjectInfo result. Keys that collide with the base fields are ignored.
type Describer func(ctx context.Context, path string, opts Options) (map[string]any, error)

// Info is the ProjectInfo result.
type Info struct {
	File        string     `json:"file"`
	Directory   string     `json:"directory"`
	Title       string     `json:"title"`
	ProjectHash string     `json:"project_hash"`
	ClientInfo  ClientInfo `json:"client_info"`
	Dirty       bool       `json:"dirty,omitempty"`

	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra next to the base fields.
func (i Info) MarshalJSON() ([]byte, error) {
	type plain Info
	base, err := json.Marshal(plain(i))
	if err != nil || len(i.Extra) == 0 {
		return base, err
	}
	merged := make(map[string]json.RawMessage, len(i.Extra)+6)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range i.Extra {
		if _, taken := merged[k]; taken {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s", k)
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// Service implements the project commands over a Source.
type Service struct {
	src           Source
	pluginVersion string
	hostVersion   string
	describe      Describer
}

// Option configures a Service.
type Option func(*Service)

// WithHostVersion sets client_info.qgis_version.
func WithHostVersion(v string) Option {
	return func(s *Service) { s.hostVersion = v }
}

// WithDescriber registers a hook extending ProjectInfo.
func WithDescriber(d Describer) Option {
	return func(s *Service) { s.describe = d }
}

// NewService builds a Service.
func NewService(src Source, pluginVersion string, opts ...Option) *Service {
	s := &Service{src: src, pluginVersion: pluginVersion}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handlers returns the command table entries for the service.
func (s *Service) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		CommandInfo:      dispatch.HandlerFunc(s.handleInfo),
		CommandDirectory: dispatch.HandlerFunc(s.handleDirectory),
	}
}

func (s *Service) openPath() (string, error) {
	path := s.src.FilePath()
	if path == "" {
		return "", notOpened()
	}
	return path, nil
}

func (s *Service) handleDirectory(context.Context, json.RawMessage) (any, error) {
	path, err := s.openPath()
	if err != nil {
		return nil, err
	}
	return filepath.Dir(path), nil
}

func (s *Service) handleInfo(ctx context.Context, data json.RawMessage) (any, error) {
	path, err := s.openPath()
	if err != nil {
		return nil, err
	}
	var opts Options
	if len(data) != 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &opts); err != nil {
			return nil, failure.Wrap(err, "invalid ProjectInfo options", 400)
		}
	}
	return s.Info(ctx, path, opts)
}

// Info describes the project at path.
func (s *Service) Info(ctx context.Context, path string, opts Options) (*Info, error) {
	hash, err := HashFile(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	info := &Info{
		File:        filepath.Base(path),
		Directory:   dir,
		Title:       s.src.Title(),
		ProjectHash: hash,
		ClientInfo: ClientInfo{
			PluginVersion: s.pluginVersion,
			HostVersion:   s.hostVersion,
			Platform:      [2]string{runtime.GOOS, runtime.GOARCH},
			Directory:     dir,
		},
		Dirty: s.src.Dirty(),
	}
	if s.describe != nil {
		extra, err := s.describe(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		info.Extra = extra
	}
	return info, nil
}

// HashFile returns the hex SHA-1 of the file contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "opening project file")
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hashing project file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
