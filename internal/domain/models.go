package domain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Provider-side limits.
const (
	MaxMultiImages = 5
	MinNumImages   = 1
	MaxNumImages   = 4
)

// Mode is the generation type sent to the provider.  The wire tokens keep
// the provider's own spelling.
type Mode string

const (
	ModeTextToImage  Mode = "TEXTTOIAMGE"
	ModeImageToImage Mode = "IMAGETOIAMGE"
)

// AspectRatios lists the output aspect ratio tokens the provider accepts.
var AspectRatios = []string{"1:1", "9:16", "16:9", "3:4", "4:3", "3:2", "2:3", "5:4", "4:5", "21:9"}

// ValidAspectRatio reports whether s is one of AspectRatios.
func ValidAspectRatio(s string) bool {
	for _, r := range AspectRatios {
		if r == s {
			return true
		}
	}
	return false
}

// GenerationRequest carries everything the provider needs to start a task.
// The mode is derived from the image list and cannot disagree with it.
type GenerationRequest struct {
	Prompt      string
	ImageURLs   []RemoteImageRef
	NumImages   int
	AspectRatio string
	CallbackURL string
	Watermark   string // optional
}

// NewGenerationRequest builds a request from a prompt and the uploaded image
// references.  The references are copied.
func NewGenerationRequest(prompt string, refs []RemoteImageRef) GenerationRequest {
	var urls []RemoteImageRef
	if len(refs) > 0 {
		urls = make([]RemoteImageRef, len(refs))
		copy(urls, refs)
	}
	return GenerationRequest{Prompt: prompt, ImageURLs: urls}
}

// Mode returns ModeImageToImage iff the request has input images.
func (r GenerationRequest) Mode() Mode {
	if len(r.ImageURLs) > 0 {
		return ModeImageToImage
	}
	return ModeTextToImage
}

// RemoteImageRef is a publicly fetchable URL (or a self-contained data URL)
// standing in for a locally held image.
type RemoteImageRef string

// UploadedImage is a locally held image selected by the user.  It is never
// persisted; the ID only serves display and log correlation.
type UploadedImage struct {
	ID   string
	Name string
	open func() ([]byte, error)
}

// NewUploadedImage wraps in-memory image bytes.
func NewUploadedImage(name string, data []byte) UploadedImage {
	buf := make([]byte, len(data))
	copy(buf, data)
	return UploadedImage{
		ID:   uuid.NewString(),
		Name: name,
		open: func() ([]byte, error) { return buf, nil },
	}
}

// OpenUploadedImage references an image file on disk.  The file is read
// lazily, so a file removed after selection surfaces as a Read error.
func OpenUploadedImage(path string) UploadedImage {
	return UploadedImage{
		ID:   uuid.NewString(),
		Name: filepath.Base(path),
		open: func() ([]byte, error) { return os.ReadFile(path) },
	}
}

// Read returns the image bytes.
func (u UploadedImage) Read() ([]byte, error) {
	if u.open == nil {
		return nil, errors.New("image has no content source")
	}
	data, err := u.open()
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", u.Name, err)
	}
	return data, nil
}

// TaskStatus is the provider-reported state of a task.
type TaskStatus int

const (
	StatusGenerating       TaskStatus = 0
	StatusSuccess          TaskStatus = 1
	StatusCreateTaskFailed TaskStatus = 2
	StatusGenerateFailed   TaskStatus = 3
)

func (s TaskStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusCreateTaskFailed:
		return "CREATE_TASK_FAILED"
	case StatusGenerateFailed:
		return "GENERATE_FAILED"
	default:
		return "GENERATING"
	}
}

// Terminal reports whether no further polling can change the outcome.
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusCreateTaskFailed || s == StatusGenerateFailed
}

// TaskResponse holds the result image fields of a finished task.
type TaskResponse struct {
	ResultImageURL string `json:"resultImageUrl"`
	OriginImageURL string `json:"originImageUrl"`
}

// TaskDetails is the data block returned by the record-info endpoint.
type TaskDetails struct {
	TaskID       string        `json:"taskId"`
	ParamJSON    string        `json:"paramJson,omitempty"`
	CompleteTime any           `json:"completeTime,omitempty"`
	CreateTime   any           `json:"createTime,omitempty"`
	SuccessFlag  *int          `json:"successFlag"`
	ErrorCode    any           `json:"errorCode,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Response     *TaskResponse `json:"response,omitempty"`
	Raw          []byte        `json:"-"`
}

// Status maps the numeric success flag.  A missing or unknown flag counts
// as still generating.
func (d TaskDetails) Status() TaskStatus {
	if d.SuccessFlag == nil {
		return StatusGenerating
	}
	s := TaskStatus(*d.SuccessFlag)
	if !s.Terminal() {
		return StatusGenerating
	}
	return s
}

// ResultImageURL prefers the result image and falls back to the origin
// image.  It returns "" when neither is present.
func (d TaskDetails) ResultImageURL() string {
	if d.Response == nil {
		return ""
	}
	if d.Response.ResultImageURL != "" {
		return d.Response.ResultImageURL
	}
	return d.Response.OriginImageURL
}

// TaskResult is the outcome of a successful poll.
type TaskResult struct {
	TaskID   string
	ImageURL string
	Details  TaskDetails
}

// AccountCredits is the remaining credit balance.  Known is false when the
// balance could not be read (e.g. no API key configured).
type AccountCredits struct {
	Balance int
	Known   bool
}

// String renders the balance with thousands separators, or "--" if unknown.
func (c AccountCredits) String() string {
	if !c.Known {
		return "--"
	}
	return FormatNumber(c.Balance)
}

var numberPrinter = message.NewPrinter(language.English)

// FormatNumber formats n with thousands separators.
func FormatNumber(n int) string {
	return numberPrinter.Sprintf("%d", n)
}

// Flow is the user entry point that started a generation.
type Flow string

const (
	FlowSingle Flow = "single" // one image, custom prompt
	FlowMulti  Flow = "multi"  // up to MaxMultiImages images, template prompt
	FlowText   Flow = "text"   // prompt only
)

// DesignOptions are the template inputs of the multi-image flow.
type DesignOptions struct {
	RoomType   string
	Style      string
	BudgetFrom int
	BudgetTo   int
}

// GenerationRecord is the persisted trace of one generation, kept so a user
// can reconcile a task id against the provider after the fact.
type GenerationRecord struct {
	TaskID    string    `json:"task_id" bson:"task_id"`
	Flow      Flow      `json:"flow" bson:"flow"`
	Prompt    string    `json:"prompt" bson:"prompt"`
	ImageURLs []string  `json:"image_urls,omitempty" bson:"image_urls,omitempty"`
	Phase     Phase     `json:"phase" bson:"phase"`
	ResultURL string    `json:"result_url,omitempty" bson:"result_url,omitempty"`
	Kind      Kind      `json:"kind,omitempty" bson:"kind,omitempty"`
	Message   string    `json:"message,omitempty" bson:"message,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}
