package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/rs/zerolog"

	"plate-watcher/internal/config"
	"plate-watcher/internal/domain/plate"
)

// CodeProject calls a CodeProject.AI ALPR module.
type CodeProject struct {
	apiURL string
	httpc  *http.Client
	log    zerolog.Logger
}

func NewCodeProject(cfg config.CodeProjectConfig, log zerolog.Logger) *CodeProject {
	return &CodeProject{
		apiURL: cfg.APIURL,
		httpc:  &http.Client{Timeout: cfg.RequestTimeout},
		log:    log,
	}
}

func (c *CodeProject) Name() plate.Engine {
	return plate.EngineCodeProject
}

type codeProjectResponse struct {
	Predictions []struct {
		Plate      string  `json:"plate"`
		Confidence float64 `json:"confidence"`
	} `json:"predictions"`
}

func (c *CodeProject) Recognize(ctx context.Context, image []byte) (*plate.RecognitionResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("upload", "snapshot.jpg")
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Engine: c.Name(), StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload codeProjectResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}

	if len(payload.Predictions) == 0 {
		c.log.Debug().Msg("code project found no plates")
		return &plate.RecognitionResult{SourceEngine: c.Name()}, nil
	}

	readings := make([]plate.Candidate, 0, len(payload.Predictions))
	for _, p := range payload.Predictions {
		readings = append(readings, plate.Candidate{Plate: p.Plate, Score: p.Confidence})
	}
	return normalize(c.Name(), readings), nil
}
