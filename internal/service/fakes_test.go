package service_test

import (
	"context"
	"sync"

	"nanobanana-cli/internal/domain"
)

// fakeClient implements ports.GenerationClient at the port boundary.  Unset
// functions panic so a test notices an unexpected call.
type fakeClient struct {
	submitFn  func(req domain.GenerationRequest) (string, error)
	detailsFn func(taskID string) (domain.TaskDetails, error)
	creditsFn func() (domain.AccountCredits, error)

	mu           sync.Mutex
	submitCalls  int
	detailsCalls int
	creditsCalls int
}

func (f *fakeClient) SubmitTask(_ context.Context, req domain.GenerationRequest) (string, error) {
	f.mu.Lock()
	f.submitCalls++
	f.mu.Unlock()
	return f.submitFn(req)
}

func (f *fakeClient) GetTaskDetails(_ context.Context, taskID string) (domain.TaskDetails, error) {
	f.mu.Lock()
	f.detailsCalls++
	f.mu.Unlock()
	return f.detailsFn(taskID)
}

func (f *fakeClient) GetCredits(_ context.Context) (domain.AccountCredits, error) {
	f.mu.Lock()
	f.creditsCalls++
	f.mu.Unlock()
	return f.creditsFn()
}

func (f *fakeClient) calls() (submit, details, credits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.detailsCalls, f.creditsCalls
}

// sequence returns a detailsFn that replays steps in order and repeats the
// last one once exhausted.
func sequence(steps ...func() (domain.TaskDetails, error)) func(string) (domain.TaskDetails, error) {
	var mu sync.Mutex
	i := 0
	return func(string) (domain.TaskDetails, error) {
		mu.Lock()
		step := steps[i]
		if i < len(steps)-1 {
			i++
		}
		mu.Unlock()
		return step()
	}
}

func flagged(flag int, url string) func() (domain.TaskDetails, error) {
	return func() (domain.TaskDetails, error) {
		d := domain.TaskDetails{TaskID: "T1", SuccessFlag: &flag}
		if url != "" {
			d.Response = &domain.TaskResponse{ResultImageURL: url}
		}
		return d, nil
	}
}

func failing(err error) func() (domain.TaskDetails, error) {
	return func() (domain.TaskDetails, error) { return domain.TaskDetails{}, err }
}

// fakeHost implements ports.ImageHost.
type fakeHost struct {
	uploadFn func(img domain.UploadedImage) (domain.RemoteImageRef, error)

	mu    sync.Mutex
	names []string
}

func (f *fakeHost) Upload(_ context.Context, img domain.UploadedImage) (domain.RemoteImageRef, error) {
	f.mu.Lock()
	f.names = append(f.names, img.Name)
	f.mu.Unlock()
	if f.uploadFn == nil {
		return domain.RemoteImageRef("https://i.example/" + img.Name), nil
	}
	return f.uploadFn(img)
}

func (f *fakeHost) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

// recordingObserver implements ports.Observer.
type recordingObserver struct {
	mu       sync.Mutex
	states   []domain.State
	progress []domain.TaskDetails
}

func (r *recordingObserver) OnState(s domain.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recordingObserver) OnProgress(d domain.TaskDetails) {
	r.mu.Lock()
	r.progress = append(r.progress, d)
	r.mu.Unlock()
}

func (r *recordingObserver) phases() []domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Phase, 0, len(r.states))
	for _, s := range r.states {
		if len(out) == 0 || out[len(out)-1] != s.Phase {
			out = append(out, s.Phase)
		}
	}
	return out
}
