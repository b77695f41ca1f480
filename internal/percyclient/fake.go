package percyclient

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client used by internal/percy's tests: it
// hands out sequential build numbers and records every call so tests
// can assert on ordering (finalize-after-create, etc.).
type Fake struct {
	mu sync.Mutex

	nextNumber int
	build      *BuildInfo

	CreateErr  error
	SendErr    map[string]error // keyed by snapshot name
	FinalizeErr error

	ClientInfo      []string
	EnvironmentInfo []string
	Sent            []SnapshotPayload
	Finalized       []string
}

// NewFake returns a ready-to-use fake client.
func NewFake() *Fake {
	return &Fake{nextNumber: 1, SendErr: make(map[string]error)}
}

func (f *Fake) CreateBuild(ctx context.Context) (BuildInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return BuildInfo{}, f.CreateErr
	}
	f.build = &BuildInfo{
		ID:     fmt.Sprintf("build-%d", f.nextNumber),
		Number: f.nextNumber,
		URL:    fmt.Sprintf("https://percy.example/builds/%d", f.nextNumber),
	}
	f.nextNumber++
	return *f.build, nil
}

func (f *Fake) FinalizeBuild(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FinalizeErr != nil {
		return f.FinalizeErr
	}
	f.Finalized = append(f.Finalized, id)
	return nil
}

func (f *Fake) SendSnapshot(ctx context.Context, buildID string, payload SnapshotPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.SendErr[payload.Name]; ok {
		return err
	}
	f.Sent = append(f.Sent, payload)
	return nil
}

func (f *Fake) AddClientInfo(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClientInfo = append(f.ClientInfo, s)
}

func (f *Fake) AddEnvironmentInfo(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EnvironmentInfo = append(f.EnvironmentInfo, s)
}

// SentNames returns the names of every snapshot sent, in call order.
func (f *Fake) SentNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.Sent))
	for i, s := range f.Sent {
		names[i] = s.Name
	}
	return names
}
