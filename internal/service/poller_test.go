package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/service"
)

func quickPoll(max int) service.PollOptions {
	return service.PollOptions{MaxAttempts: max, Interval: 0}
}

// --- Behavior: bounded polling ---

func TestPoll_TimesOutAfterExactlyMaxAttempts(t *testing.T) {
	client := &fakeClient{detailsFn: sequence(flagged(0, ""))}
	p := service.NewPoller(client, nil)

	_, err := p.Poll(context.Background(), "T1", nil, quickPoll(3))

	var pte *domain.PollingTimeoutError
	if !errors.As(err, &pte) {
		t.Fatalf("expected PollingTimeoutError, got %v", err)
	}
	if pte.TaskID != "T1" || pte.Attempts != 3 {
		t.Errorf("unexpected timeout error %+v", pte)
	}
	if _, details, _ := client.calls(); details != 3 {
		t.Errorf("expected 3 status queries, got %d", details)
	}
}

func TestPoll_StopsOnTerminalFailure(t *testing.T) {
	client := &fakeClient{detailsFn: sequence(flagged(0, ""), func() (domain.TaskDetails, error) {
		flag := 2
		return domain.TaskDetails{SuccessFlag: &flag, ErrorMessage: "bad prompt"}, nil
	})}
	p := service.NewPoller(client, nil)

	_, err := p.Poll(context.Background(), "T1", nil, quickPoll(10))

	var tfe *domain.TaskFailedError
	if !errors.As(err, &tfe) {
		t.Fatalf("expected TaskFailedError, got %v", err)
	}
	if tfe.Status != domain.StatusCreateTaskFailed || tfe.Message != "bad prompt" {
		t.Errorf("unexpected failure %+v", tfe)
	}
	if _, details, _ := client.calls(); details != 2 {
		t.Errorf("expected 2 status queries, got %d", details)
	}
}

func TestPoll_TaskNotFoundIsRetried(t *testing.T) {
	client := &fakeClient{detailsFn: sequence(failing(domain.ErrTaskNotFound), flagged(1, "http://x/img.png"))}
	p := service.NewPoller(client, nil)

	res, err := p.Poll(context.Background(), "T1", nil, quickPoll(5))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ImageURL != "http://x/img.png" || res.TaskID != "T1" {
		t.Errorf("unexpected result %+v", res)
	}
	if _, details, _ := client.calls(); details != 2 {
		t.Errorf("expected 2 status queries, got %d", details)
	}
}

func TestPoll_TransportErrorsShareTheAttemptBudget(t *testing.T) {
	client := &fakeClient{detailsFn: sequence(failing(&domain.TransportError{Op: "get", Err: errors.New("reset")}))}
	p := service.NewPoller(client, nil)

	_, err := p.Poll(context.Background(), "T1", nil, quickPoll(4))

	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected the last transport error, got %v", err)
	}
	if _, details, _ := client.calls(); details != 4 {
		t.Errorf("expected 4 status queries, got %d", details)
	}
}

func TestPoll_NonTransientErrorPropagatesImmediately(t *testing.T) {
	client := &fakeClient{detailsFn: sequence(failing(domain.ErrUnauthorized))}
	p := service.NewPoller(client, nil)

	_, err := p.Poll(context.Background(), "T1", nil, quickPoll(10))

	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var le *domain.LookupError
	if !errors.As(err, &le) || le.TaskID != "T1" {
		t.Errorf("expected a lookup error for T1, got %v", err)
	}
	if _, details, _ := client.calls(); details != 1 {
		t.Errorf("expected a single status query, got %d", details)
	}
}

func TestPoll_SuccessWithoutImageReturnsEmptyURL(t *testing.T) {
	client := &fakeClient{detailsFn: sequence(flagged(1, ""))}
	res, err := service.NewPoller(client, nil).Poll(context.Background(), "T1", nil, quickPoll(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ImageURL != "" {
		t.Errorf("expected empty url, got %q", res.ImageURL)
	}
}

// --- Behavior: progress and cancellation ---

func TestPoll_ReportsEveryStatusAndAttempt(t *testing.T) {
	client := &fakeClient{detailsFn: sequence(flagged(0, ""), flagged(0, ""), flagged(1, "u"))}
	var seen []domain.TaskStatus
	var attempts []int
	opts := quickPoll(5)
	opts.OnAttempt = func(attempt, max int) {
		if max != 5 {
			t.Errorf("expected max 5, got %d", max)
		}
		attempts = append(attempts, attempt)
	}

	_, err := service.NewPoller(client, nil).Poll(context.Background(), "T1", func(d domain.TaskDetails) error {
		seen = append(seen, d.Status())
		return nil
	}, opts)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 3 || seen[2] != domain.StatusSuccess {
		t.Errorf("unexpected progress %v", seen)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("unexpected attempts %v", attempts)
	}
}

func TestPoll_ProgressErrorAborts(t *testing.T) {
	client := &fakeClient{detailsFn: sequence(flagged(0, ""))}
	stop := errors.New("stop")

	_, err := service.NewPoller(client, nil).Poll(context.Background(), "T1", func(domain.TaskDetails) error {
		return stop
	}, quickPoll(10))

	if !errors.Is(err, stop) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if _, details, _ := client.calls(); details != 1 {
		t.Errorf("expected a single status query, got %d", details)
	}
}

func TestPoll_CancelDuringWait(t *testing.T) {
	client := &fakeClient{detailsFn: sequence(flagged(0, ""))}
	ctx, cancel := context.WithCancel(context.Background())
	opts := service.PollOptions{MaxAttempts: 10, Interval: time.Hour}
	opts.OnAttempt = func(int, int) { cancel() }

	done := make(chan error, 1)
	go func() {
		_, err := service.NewPoller(client, nil).Poll(ctx, "T1", nil, opts)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not return after cancellation")
	}
}

func TestDefaultPollOptions(t *testing.T) {
	opts := service.DefaultPollOptions()
	if opts.MaxAttempts != 60 || opts.Interval != 5*time.Second {
		t.Errorf("unexpected defaults %+v", opts)
	}
}
