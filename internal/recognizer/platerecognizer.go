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

// DefaultPlateRecognizerURL is the hosted Plate Recognizer endpoint used
// when no api_url is configured.
const DefaultPlateRecognizerURL = "https://api.platerecognizer.com/v1/plate-reader"

// PlateRecognizer calls the Plate Recognizer plate-reader API.
type PlateRecognizer struct {
	apiURL  string
	token   string
	regions []string
	httpc   *http.Client
	log     zerolog.Logger
}

func NewPlateRecognizer(cfg config.PlateRecognizerConfig, log zerolog.Logger) *PlateRecognizer {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultPlateRecognizerURL
	}
	return &PlateRecognizer{
		apiURL:  apiURL,
		token:   cfg.Token,
		regions: cfg.Regions,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		log:     log,
	}
}

func (p *PlateRecognizer) Name() plate.Engine {
	return plate.EnginePlateRecognizer
}

type plateRecognizerResponse struct {
	Results []struct {
		Plate      string  `json:"plate"`
		Score      float64 `json:"score"`
		Candidates []struct {
			Plate string  `json:"plate"`
			Score float64 `json:"score"`
		} `json:"candidates"`
	} `json:"results"`
}

func (p *PlateRecognizer) Recognize(ctx context.Context, image []byte) (*plate.RecognitionResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("upload", "snapshot.jpg")
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	for _, region := range p.regions {
		if err := mw.WriteField("regions", region); err != nil {
			return nil, fmt.Errorf("build upload form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Token "+p.token)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &StatusError{Engine: p.Name(), StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload plateRecognizerResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}

	if len(payload.Results) == 0 {
		p.log.Debug().Msg("plate recognizer found no plates")
		return &plate.RecognitionResult{SourceEngine: p.Name()}, nil
	}

	top := payload.Results[0]
	readings := make([]plate.Candidate, 0, len(top.Candidates)+1)
	readings = append(readings, plate.Candidate{Plate: top.Plate, Score: top.Score})
	for _, c := range top.Candidates {
		if c.Plate == top.Plate && c.Score == top.Score {
			continue
		}
		readings = append(readings, plate.Candidate{Plate: c.Plate, Score: c.Score})
	}
	return normalize(p.Name(), readings), nil
}
