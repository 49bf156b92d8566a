package tools

import (
	"context"
	"log/slog"
)

// Sandbox tool names.
const (
	ShowPictureName = "show_picture"
	ShowTextName    = "show_text"
)

// StatusDisplayed is reported by both sandbox tools.
const StatusDisplayed = "displayed"

// ShowPictureSchema describes show_picture(url).
func ShowPictureSchema() FunctionSchema {
	return FunctionSchema{
		Name:        ShowPictureName,
		Description: "Display an image to the user. Use when you want to show a picture.",
		Properties: map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL of the image to display",
			},
		},
		Required: []string{"url"},
	}
}

// ShowTextSchema describes show_text(text).
func ShowTextSchema() FunctionSchema {
	return FunctionSchema{
		Name:        ShowTextName,
		Description: "Display text to the user. Use when you want to show text for the user to read.",
		Properties: map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The text to display",
			},
		},
		Required: []string{"text"},
	}
}

// SandboxTools returns the tools exposed in every session.
func SandboxTools() ToolsSchema {
	return ToolsSchema{StandardTools: []FunctionSchema{ShowPictureSchema(), ShowTextSchema()}}
}

// ShowPicture returns the show_picture handler. The client renders the
// image; the handler only acknowledges it.
func ShowPicture(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, params *FunctionCallParams) error {
		logger.Info("[Tool] show_picture called", "args", params.Arguments)
		return params.ResultCallback(ctx, map[string]any{
			"status": StatusDisplayed,
			"url":    params.StringArg("url"),
		})
	}
}

// ShowText returns the show_text handler.
func ShowText(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, params *FunctionCallParams) error {
		logger.Info("[Tool] show_text called", "args", params.Arguments)
		return params.ResultCallback(ctx, map[string]any{
			"status": StatusDisplayed,
			"text":   params.StringArg("text"),
		})
	}
}

// RegisterSandbox registers both sandbox handlers on r.
func RegisterSandbox(r *Registry, logger *slog.Logger) {
	r.Register(ShowPictureName, ShowPicture(logger))
	r.Register(ShowTextName, ShowText(logger))
}
