// Package client calls the REST API of a servable server.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/servable"
	"github.com/knights-analytics/servable/format"
	"github.com/knights-analytics/servable/pipelines"
	"github.com/knights-analytics/servable/server"
	"github.com/knights-analytics/servable/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Client struct {
	BaseURL string
	Model   string
	// Version pins requests to one version. 0 uses whichever version the server serves.
	Version       int64
	SignatureName string
	HTTPClient    *http.Client
}

func New(baseURL string, model string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Model:      model,
		HTTPClient: &http.Client{Timeout: time.Minute},
	}
}

// StatusError is returned for non 2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) modelURL() string {
	url := c.BaseURL + "/v1/models/" + c.Model
	if c.Version > 0 {
		url += fmt.Sprintf("/versions/%d", c.Version)
	}
	return url
}

// Predict sends encoded images as one row-format request and returns one row per image.
func (c *Client) Predict(ctx context.Context, images [][]byte) (*pipelines.ImageClassificationOutput, error) {
	request := server.PredictRequest{SignatureName: c.SignatureName}
	for _, img := range images {
		instance, err := json.Marshal(server.NewB64(img))
		if err != nil {
			return nil, err
		}
		request.Instances = append(request.Instances, instance)
	}
	response := server.PredictResponse{}
	if err := c.do(ctx, http.MethodPost, c.modelURL()+":predict", request, &response); err != nil {
		return nil, err
	}
	return response.ImageClassificationOutput(), nil
}

// Metadata returns the signature definitions of the served version.
func (c *Client) Metadata(ctx context.Context) (*server.MetadataResponse, error) {
	response := &server.MetadataResponse{}
	if err := c.do(ctx, http.MethodGet, c.modelURL()+"/metadata", nil, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (c *Client) Status(ctx context.Context) (*server.StatusResponse, error) {
	response := &server.StatusResponse{}
	if err := c.do(ctx, http.MethodGet, c.modelURL(), nil, response); err != nil {
		return nil, err
	}
	return response, nil
}

// Validate submits the image at imagePath as a single encoded image and checks the response
// against the signature the server reports.
func (c *Client) Validate(ctx context.Context, imagePath string) (*pipelines.ImageClassificationOutput, error) {
	metadata, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	signatureName := c.SignatureName
	if signatureName == "" {
		signatureName = format.DefaultSignatureName
	}
	signature, ok := metadata.Metadata.SignatureDef.SignatureDef[signatureName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", format.ErrSignatureNotFound, signatureName)
	}

	imageBytes, err := fileutil.ReadFileBytesContext(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	output, err := c.Predict(ctx, [][]byte{imageBytes})
	if err != nil {
		return nil, err
	}
	return output, servable.Validate(output, servable.ValidationConfig{Rows: 1, TopK: signature.TopK()})
}

func (c *Client) do(ctx context.Context, method string, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	response, err := httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_ = response.Body.Close()
	}()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		errorResponse := server.ErrorResponse{}
		if json.Unmarshal(data, &errorResponse) != nil || errorResponse.Error == "" {
			errorResponse.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{StatusCode: response.StatusCode, Message: errorResponse.Error}
	}
	return json.Unmarshal(data, out)
}
