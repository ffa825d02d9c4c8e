package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/service"
)

// sidecar is the metadata written next to a downloaded result.
type sidecar struct {
	TaskID      string      `json:"task_id"`
	Flow        domain.Flow `json:"flow"`
	Prompt      string      `json:"prompt"`
	Template    string      `json:"template,omitempty"`
	RoomType    string      `json:"room_type,omitempty"`
	Style       string      `json:"style,omitempty"`
	BudgetFrom  int         `json:"budget_from,omitempty"`
	BudgetTo    int         `json:"budget_to,omitempty"`
	Images      []string    `json:"images,omitempty"`
	ImageURL    string      `json:"image_url"`
	Mode        domain.Mode `json:"mode"`
	AspectRatio string      `json:"aspect_ratio"`
	NumImages   int         `json:"num_images"`
	Watermark   string      `json:"watermark,omitempty"`
	Timestamp   string      `json:"timestamp"`
}

func newSidecar(in service.GenerateInput, out service.GenerateOutput) sidecar {
	meta := sidecar{
		TaskID:      out.TaskID,
		Flow:        in.Flow,
		Prompt:      out.Request.Prompt,
		ImageURL:    out.ImageURL,
		Mode:        out.Request.Mode(),
		AspectRatio: out.Request.AspectRatio,
		NumImages:   out.Request.NumImages,
		Watermark:   out.Request.Watermark,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if in.Flow == domain.FlowMulti {
		meta.Template = in.Template
		meta.RoomType = in.Design.RoomType
		meta.Style = in.Design.Style
		meta.BudgetFrom = in.Design.BudgetFrom
		meta.BudgetTo = in.Design.BudgetTo
	}
	for _, img := range in.Images {
		meta.Images = append(meta.Images, img.Name)
	}
	return meta
}

// writeSidecar writes <dir>/<task id>.json and returns its path.
func writeSidecar(dir string, meta sidecar) (string, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, meta.TaskID+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	return path, nil
}

func inspectSidecar(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading sidecar: %w", err)
	}
	return prettyPrintJSON(w, data)
}
