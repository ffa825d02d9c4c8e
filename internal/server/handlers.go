package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/service"
)

// StatusClientClosedRequest is reported when the caller went away.
const StatusClientClosedRequest = 499

// Params are the optional output settings shared by every flow.
type Params struct {
	AspectRatio string `form:"aspect_ratio" json:"aspect_ratio"`
	NumImages   int    `form:"num_images" json:"num_images" binding:"gte=0"`
	Watermark   string `form:"watermark" json:"watermark"`
}

type generateForm struct {
	Images     []*multipart.FileHeader `form:"images"`
	Prompt     string                  `form:"prompt"`
	Template   string                  `form:"template"`
	RoomType   string                  `form:"room_type"`
	Style      string                  `form:"style"`
	BudgetFrom int                     `form:"budget_from" binding:"gte=0"`
	BudgetTo   int                     `form:"budget_to" binding:"gte=0"`
	Params
}

type adjustForm struct {
	Image  *multipart.FileHeader `form:"image"`
	Prompt string                `form:"prompt"`
	Params
}

type imagineRequest struct {
	Prompt string `json:"prompt"`
	Params
}

type errorResponse struct {
	Kind    domain.Kind `json:"kind"`
	Message string      `json:"message"`
	TaskID  string      `json:"task_id,omitempty"`
}

type generateResponse struct {
	TaskID   string `json:"task_id"`
	ImageURL string `json:"image_url"`
}

type creditsResponse struct {
	Credits int    `json:"credits"`
	Display string `json:"display"`
	Known   bool   `json:"known"`
}

type taskResponse struct {
	TaskID       string                   `json:"task_id"`
	Status       string                   `json:"status"`
	ImageURL     string                   `json:"image_url,omitempty"`
	ErrorMessage string                   `json:"error_message,omitempty"`
	Record       *domain.GenerationRecord `json:"record,omitempty"`
}

type stateResponse struct {
	Phase   domain.Phase `json:"phase"`
	Message string       `json:"message"`
	TaskID  string       `json:"task_id,omitempty"`
	Kind    domain.Kind  `json:"kind,omitempty"`
}

func (s *Server) getCredits(c *gin.Context) {
	credits, err := s.credits.Balance(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, creditsBody(credits))
}

func (s *Server) refreshCredits(c *gin.Context) {
	credits, err := s.credits.Refresh(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, creditsBody(credits))
}

func creditsBody(credits domain.AccountCredits) creditsResponse {
	return creditsResponse{Credits: credits.Balance, Display: credits.String(), Known: credits.Known}
}

func (s *Server) generate(c *gin.Context) {
	var form generateForm
	if err := c.ShouldBind(&form); err != nil {
		s.writeError(c, &domain.ValidationError{Message: err.Error()})
		return
	}
	if len(form.Images) > domain.MaxMultiImages {
		s.writeError(c, &domain.ValidationError{Message: fmt.Sprintf("at most %d images can be uploaded", domain.MaxMultiImages)})
		return
	}
	images, err := readImages(form.Images)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.run(c, service.GenerateInput{
		Flow:     domain.FlowMulti,
		Images:   images,
		Prompt:   form.Prompt,
		Template: form.Template,
		Design: domain.DesignOptions{
			RoomType:   form.RoomType,
			Style:      form.Style,
			BudgetFrom: form.BudgetFrom,
			BudgetTo:   form.BudgetTo,
		},
		AspectRatio: form.AspectRatio,
		NumImages:   form.NumImages,
		Watermark:   form.Watermark,
	})
}

func (s *Server) adjust(c *gin.Context) {
	var form adjustForm
	if err := c.ShouldBind(&form); err != nil {
		s.writeError(c, &domain.ValidationError{Message: err.Error()})
		return
	}
	var headers []*multipart.FileHeader
	if form.Image != nil {
		headers = append(headers, form.Image)
	}
	images, err := readImages(headers)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.run(c, service.GenerateInput{
		Flow:        domain.FlowSingle,
		Images:      images,
		Prompt:      form.Prompt,
		AspectRatio: form.AspectRatio,
		NumImages:   form.NumImages,
		Watermark:   form.Watermark,
	})
}

func (s *Server) imagine(c *gin.Context) {
	var req imagineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, &domain.ValidationError{Message: "invalid request: " + err.Error()})
		return
	}
	s.run(c, service.GenerateInput{
		Flow:        domain.FlowText,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		NumImages:   req.NumImages,
		Watermark:   req.Watermark,
	})
}

func (s *Server) run(c *gin.Context, in service.GenerateInput) {
	g, release, err := s.acquire(sessionID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer release()
	out, err := g.Generate(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, generateResponse{TaskID: out.TaskID, ImageURL: out.ImageURL})
}

func (s *Server) state(c *gin.Context) {
	st := domain.State{Phase: domain.PhaseIdle}
	if v, ok := s.sessions.Get(sessionID(c)); ok {
		st = v.(Generator).State()
	}
	c.JSON(http.StatusOK, stateResponse{Phase: st.Phase, Message: st.String(), TaskID: st.TaskID, Kind: st.Kind})
}

func (s *Server) getTask(c *gin.Context) {
	taskID := c.Param("id")
	details, err := s.client.GetTaskDetails(c.Request.Context(), taskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Kind: domain.KindProvider, Message: "task not found", TaskID: taskID})
		return
	}
	if err != nil {
		s.writeError(c, &domain.GenerationError{Kind: domain.Classify(err), TaskID: taskID, Err: err})
		return
	}
	resp := taskResponse{
		TaskID:       taskID,
		Status:       details.Status().String(),
		ImageURL:     details.ResultImageURL(),
		ErrorMessage: details.ErrorMessage,
	}
	if s.store != nil {
		rec, err := s.store.Get(c.Request.Context(), taskID)
		if err != nil {
			s.log.Warn("history lookup failed", sl.TaskID(taskID), sl.Err(err))
		}
		resp.Record = rec
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) history(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, []domain.GenerationRecord{})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(c, &domain.ValidationError{Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	records, err := s.store.Recent(c.Request.Context(), limit)
	if err != nil {
		s.log.Error("history listing failed", sl.Err(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Kind: domain.KindProvider, Message: "history unavailable"})
		return
	}
	if records == nil {
		records = []domain.GenerationRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// readImages loads the uploaded files into memory.
func readImages(headers []*multipart.FileHeader) ([]domain.UploadedImage, error) {
	images := make([]domain.UploadedImage, 0, len(headers))
	for i, fh := range headers {
		if fh.Size > maxImageBytes {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("image %s is larger than %d MB", fh.Filename, maxImageBytes>>20)}
		}
		f, err := fh.Open()
		if err != nil {
			return nil, &domain.UploadFailedError{Index: i, Cause: err}
		}
		data, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
		f.Close()
		if err != nil {
			return nil, &domain.UploadFailedError{Index: i, Cause: err}
		}
		images = append(images, domain.NewUploadedImage(fh.Filename, data))
	}
	return images, nil
}

func (s *Server) writeError(c *gin.Context, err error) {
	var ge *domain.GenerationError
	if !errors.As(err, &ge) {
		ge = &domain.GenerationError{Kind: domain.Classify(err), Err: err}
	}
	status := statusFor(ge.Kind)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", slog.String("kind", string(ge.Kind)), sl.TaskID(ge.TaskID), sl.Err(err))
	}
	c.JSON(status, errorResponse{Kind: ge.Kind, Message: ge.UserMessage(), TaskID: ge.TaskID})
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindBusy:
		return http.StatusConflict
	case domain.KindConfiguration:
		return http.StatusServiceUnavailable
	case domain.KindPollingTimeout:
		return http.StatusGatewayTimeout
	case domain.KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}
