package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
	"nanobanana-cli/internal/prompt"
)

// Parameter defaults applied when neither the input nor Defaults set them.
const (
	DefaultAspectRatio = "16:9"
	DefaultNumImages   = 1
)

// PromptBuilder expands a named template with design options.
type PromptBuilder interface {
	Build(name string, opts domain.DesignOptions) (string, error)
}

// Defaults are the configured values used for every parameter the caller
// leaves unset.
type Defaults struct {
	AspectRatio string
	NumImages   int
	CallbackURL string
	Watermark   string
	Prompt      string
	Template    string
	Poll        PollOptions

	// UploadConcurrency > 1 uploads that many images at once.
	UploadConcurrency int
	// UploadInterval > 0 spaces out upload starts.
	UploadInterval time.Duration
}

// GenerateInput is one user request.  Zero-valued parameters fall back to
// Defaults.
type GenerateInput struct {
	Flow        domain.Flow
	Images      []domain.UploadedImage
	Prompt      string
	Template    string
	Design      domain.DesignOptions
	AspectRatio string
	NumImages   int
	CallbackURL string
	Watermark   string
}

// GenerateOutput is a successful generation.  Request is what was
// submitted, with every default resolved.
type GenerateOutput struct {
	TaskID   string
	ImageURL string
	Details  domain.TaskDetails
	Request  domain.GenerationRequest
}

// OrchestratorArgs wires an Orchestrator.  Client and Host are required.
type OrchestratorArgs struct {
	Client   ports.GenerationClient
	Host     ports.ImageHost
	Prompts  PromptBuilder
	Credits  ports.CreditRefresher
	Store    ports.GenerationStore
	Observer ports.Observer
	Logger   *slog.Logger
	Defaults Defaults
}

// Orchestrator drives one generation at a time: validate, upload, submit,
// poll, then report the result image or a classified failure.
type Orchestrator struct {
	client   ports.GenerationClient
	host     ports.ImageHost
	prompts  PromptBuilder
	credits  ports.CreditRefresher
	store    ports.GenerationStore
	observer ports.Observer
	poller   *Poller
	defaults Defaults
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	state   domain.State
}

// NewOrchestrator builds an Orchestrator.  Client and Host are required;
// a nil Prompts uses the built-in templates and a nil Observer is a no-op.
func NewOrchestrator(args OrchestratorArgs) (*Orchestrator, error) {
	if args.Client == nil {
		return nil, errors.New("orchestrator: generation client is required")
	}
	if args.Host == nil {
		return nil, errors.New("orchestrator: image host is required")
	}
	log := sl.OrDiscard(args.Logger)
	o := &Orchestrator{
		client:   args.Client,
		host:     args.Host,
		prompts:  args.Prompts,
		credits:  args.Credits,
		store:    args.Store,
		observer: args.Observer,
		poller:   NewPoller(args.Client, log),
		defaults: args.Defaults,
		log:      log.With(sl.Module("orchestrator")),
		state:    domain.State{Phase: domain.PhaseIdle},
	}
	if o.prompts == nil {
		o.prompts = prompt.NewBuilder(args.Defaults.Template, nil)
	}
	if o.observer == nil {
		o.observer = ObserverFuncs{}
	}
	return o, nil
}

// State returns a snapshot of the current or last run.
func (o *Orchestrator) State() domain.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Busy reports whether a generation is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Generate runs one end-to-end attempt.  Every failure is a
// *domain.GenerationError.  A call made while another is in flight fails
// with kind busy and leaves the running attempt untouched.
func (o *Orchestrator) Generate(ctx context.Context, in GenerateInput) (GenerateOutput, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return GenerateOutput{}, &domain.GenerationError{Kind: domain.KindBusy, Err: domain.ErrGenerationInProgress}
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.setState(domain.State{Phase: domain.PhaseValidating})
	req, err := o.prepare(in)
	if err != nil {
		return GenerateOutput{}, o.fail(ctx, nil, err)
	}

	refs, err := o.uploadAll(ctx, in.Images)
	if err != nil {
		return GenerateOutput{}, o.fail(ctx, nil, err)
	}
	req.ImageURLs = refs

	o.setState(domain.State{Phase: domain.PhaseSubmitting})
	taskID, err := o.client.SubmitTask(ctx, req)
	if err != nil {
		return GenerateOutput{}, o.fail(ctx, nil, err)
	}
	log := o.log.With(sl.TaskID(taskID))
	log.Info("task submitted", slog.String("mode", string(req.Mode())), slog.Int("images", len(refs)))

	now := time.Now().UTC()
	rec := &domain.GenerationRecord{
		TaskID:    taskID,
		Flow:      in.Flow,
		Prompt:    req.Prompt,
		ImageURLs: summaries(refs),
		Phase:     domain.PhasePolling,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.save(ctx, rec)

	poll := o.defaults.Poll
	poll.OnAttempt = func(attempt, maxAttempts int) {
		o.setState(domain.State{Phase: domain.PhasePolling, TaskID: taskID, Attempt: attempt, MaxAttempts: maxAttempts})
	}
	res, err := o.poller.Poll(ctx, taskID, func(d domain.TaskDetails) error {
		o.observer.OnProgress(d)
		return nil
	}, poll)
	if err != nil {
		return GenerateOutput{}, o.fail(ctx, rec, err)
	}
	if res.ImageURL == "" {
		return GenerateOutput{}, o.fail(ctx, rec, domain.ErrMissingResult)
	}

	if o.credits != nil {
		if _, err := o.credits.Refresh(ctx); err != nil {
			log.Warn("credit refresh failed", sl.Err(err))
		}
	}

	rec.Phase = domain.PhaseSucceeded
	rec.ResultURL = res.ImageURL
	rec.UpdatedAt = time.Now().UTC()
	o.save(ctx, rec)

	o.setState(domain.State{Phase: domain.PhaseSucceeded, TaskID: taskID})
	log.Info("generation complete", slog.String("url", res.ImageURL))
	return GenerateOutput{TaskID: taskID, ImageURL: res.ImageURL, Details: res.Details, Request: req}, nil
}

// prepare validates the input and resolves every defaulted parameter.  It
// never touches the network.
func (o *Orchestrator) prepare(in GenerateInput) (domain.GenerationRequest, error) {
	text := strings.TrimSpace(in.Prompt)
	switch in.Flow {
	case domain.FlowSingle:
		if len(in.Images) == 0 {
			return domain.GenerationRequest{}, &domain.ValidationError{Message: "please upload an image"}
		}
		if len(in.Images) > 1 {
			return domain.GenerationRequest{}, &domain.ValidationError{Message: fmt.Sprintf("exactly one image is required, got %d", len(in.Images))}
		}
		if text == "" {
			return domain.GenerationRequest{}, &domain.ValidationError{Message: "please enter a prompt"}
		}
	case domain.FlowMulti:
		if len(in.Images) == 0 {
			return domain.GenerationRequest{}, &domain.ValidationError{Message: "please upload at least one image"}
		}
		if len(in.Images) > domain.MaxMultiImages {
			return domain.GenerationRequest{}, &domain.ValidationError{
				Message: fmt.Sprintf("at most %d images can be uploaded", domain.MaxMultiImages),
			}
		}
		if text == "" {
			text = o.templatePrompt(in)
		}
		if text == "" {
			return domain.GenerationRequest{}, &domain.ValidationError{Message: "no prompt template or default prompt configured"}
		}
	case domain.FlowText:
		if len(in.Images) != 0 {
			return domain.GenerationRequest{}, &domain.ValidationError{Message: "text generation takes no images"}
		}
		if text == "" {
			text = strings.TrimSpace(o.defaults.Prompt)
		}
		if text == "" {
			return domain.GenerationRequest{}, &domain.ValidationError{Message: "please enter a prompt"}
		}
	default:
		return domain.GenerationRequest{}, &domain.ValidationError{Message: fmt.Sprintf("unknown flow %q", in.Flow)}
	}

	req := domain.NewGenerationRequest(text, nil)
	req.AspectRatio = firstNonEmpty(in.AspectRatio, o.defaults.AspectRatio, DefaultAspectRatio)
	if !domain.ValidAspectRatio(req.AspectRatio) {
		return domain.GenerationRequest{}, &domain.ValidationError{Message: fmt.Sprintf("unsupported aspect ratio %q", req.AspectRatio)}
	}
	req.NumImages = firstPositive(in.NumImages, o.defaults.NumImages, DefaultNumImages)
	if req.NumImages < domain.MinNumImages || req.NumImages > domain.MaxNumImages {
		return domain.GenerationRequest{}, &domain.ValidationError{
			Message: fmt.Sprintf("number of images must be between %d and %d", domain.MinNumImages, domain.MaxNumImages),
		}
	}
	req.CallbackURL = firstNonEmpty(in.CallbackURL, o.defaults.CallbackURL)
	req.Watermark = firstNonEmpty(in.Watermark, o.defaults.Watermark)
	return req, nil
}

// templatePrompt expands the requested template, falling back to the
// configured default prompt when the template is unknown.
func (o *Orchestrator) templatePrompt(in GenerateInput) string {
	name := firstNonEmpty(in.Template, o.defaults.Template)
	text, err := o.prompts.Build(name, in.Design)
	if err == nil {
		return strings.TrimSpace(text)
	}
	o.log.Warn("prompt template unavailable, using default prompt", slog.String("template", name), sl.Err(err))
	return strings.TrimSpace(prompt.Expand(o.defaults.Prompt, in.Design))
}

// uploadAll returns one reference per image, in input order.  Any failure
// aborts the attempt with the lowest failing index.
func (o *Orchestrator) uploadAll(ctx context.Context, images []domain.UploadedImage) ([]domain.RemoteImageRef, error) {
	if len(images) == 0 {
		return nil, nil
	}
	var limiter *rate.Limiter
	if o.defaults.UploadInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(o.defaults.UploadInterval), 1)
	}
	if o.defaults.UploadConcurrency > 1 && len(images) > 1 {
		return o.uploadParallel(ctx, images, limiter)
	}

	refs := make([]domain.RemoteImageRef, len(images))
	for i, img := range images {
		o.setState(domain.State{Phase: domain.PhaseUploading, Index: i + 1, Total: len(images)})
		ref, err := o.uploadOne(ctx, img, limiter)
		if err != nil {
			return nil, &domain.UploadFailedError{Index: i, Cause: err}
		}
		refs[i] = ref
	}
	return refs, nil
}

// uploadParallel waits for every upload so the reported failure is the
// lowest failing index regardless of completion order.
func (o *Orchestrator) uploadParallel(ctx context.Context, images []domain.UploadedImage, limiter *rate.Limiter) ([]domain.RemoteImageRef, error) {
	refs := make([]domain.RemoteImageRef, len(images))
	errs := make([]error, len(images))

	var (
		mu   sync.Mutex
		done int
	)
	o.setState(domain.State{Phase: domain.PhaseUploading, Index: 0, Total: len(images)})

	var eg errgroup.Group
	eg.SetLimit(o.defaults.UploadConcurrency)
	for i, img := range images {
		i, img := i, img
		eg.Go(func() error {
			refs[i], errs[i] = o.uploadOne(ctx, img, limiter)
			mu.Lock()
			defer mu.Unlock()
			done++
			o.setState(domain.State{Phase: domain.PhaseUploading, Index: done, Total: len(images)})
			return nil
		})
	}
	_ = eg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, &domain.UploadFailedError{Index: i, Cause: err}
		}
	}
	return refs, nil
}

func (o *Orchestrator) uploadOne(ctx context.Context, img domain.UploadedImage, limiter *rate.Limiter) (domain.RemoteImageRef, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	ref, err := o.host.Upload(ctx, img)
	if err != nil {
		o.log.Error("upload failed", slog.String("image", img.Name), sl.Err(err))
		return "", err
	}
	o.log.Debug("image uploaded", slog.String("image", img.Name), slog.String("ref", ref.Summary()))
	return ref, nil
}

// fail classifies err, records the outcome and moves to the failed state.
func (o *Orchestrator) fail(ctx context.Context, rec *domain.GenerationRecord, err error) error {
	ge := &domain.GenerationError{Kind: domain.Classify(err), Err: err}
	if rec != nil {
		ge.TaskID = rec.TaskID
		rec.Phase = domain.PhaseFailed
		rec.Kind = ge.Kind
		rec.Message = err.Error()
		rec.UpdatedAt = time.Now().UTC()
		o.save(context.WithoutCancel(ctx), rec)
	}
	o.log.Error("generation failed",
		slog.String("kind", string(ge.Kind)),
		sl.TaskID(ge.TaskID),
		sl.Err(err),
	)
	o.setState(domain.State{Phase: domain.PhaseFailed, TaskID: ge.TaskID, Kind: ge.Kind})
	return ge
}

func (o *Orchestrator) save(ctx context.Context, rec *domain.GenerationRecord) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(ctx, *rec); err != nil {
		o.log.Warn("failed to save generation record", sl.TaskID(rec.TaskID), sl.Err(err))
	}
}

func (o *Orchestrator) setState(s domain.State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.observer.OnState(s)
}

func summaries(refs []domain.RemoteImageRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Summary()
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
