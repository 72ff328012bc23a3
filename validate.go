package servable

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/phuslu/log"

	"github.com/knights-analytics/servable/pipelines"
	"github.com/knights-analytics/servable/util/fileutil"
	"github.com/knights-analytics/servable/util/safeconv"
)

// ValidationConfig is what a prediction response is checked against.
type ValidationConfig struct {
	// Rows is the number of images submitted.
	Rows int
	TopK int
	// NumClasses bounds the returned class ids. 0 skips the check.
	NumClasses int
}

// Validate checks a prediction response: one row per submitted image, TopK classes and probabilities
// per row, class ids within range, probabilities within [0, 1] and in descending order.
// Every violation found is reported.
func Validate(output *pipelines.ImageClassificationOutput, config ValidationConfig) error {
	if output == nil {
		return errors.New("no prediction output")
	}
	var errs []error
	if len(output.Classes) != config.Rows {
		errs = append(errs, fmt.Errorf("classes has %d rows, expected %d", len(output.Classes), config.Rows))
	}
	if len(output.Probabilities) != config.Rows {
		errs = append(errs, fmt.Errorf("probabilities has %d rows, expected %d", len(output.Probabilities), config.Rows))
	}
	for i, classes := range output.Classes {
		if len(classes) != config.TopK {
			errs = append(errs, fmt.Errorf("row %d: %d classes, expected %d", i, len(classes), config.TopK))
		}
		for _, c := range classes {
			if c < 0 || (config.NumClasses > 0 && c >= config.NumClasses) {
				errs = append(errs, fmt.Errorf("row %d: class %d outside [0, %d)", i, c, config.NumClasses))
			}
		}
	}
	for i, probabilities := range output.Probabilities {
		if len(probabilities) != config.TopK {
			errs = append(errs, fmt.Errorf("row %d: %d probabilities, expected %d", i, len(probabilities), config.TopK))
		}
		for j, p := range probabilities {
			if math.IsNaN(float64(p)) || p < 0 || p > 1 {
				errs = append(errs, fmt.Errorf("row %d: probability %v outside [0, 1]", i, p))
			}
			if j > 0 && p > probabilities[j-1] {
				errs = append(errs, fmt.Errorf("row %d: probabilities not descending at %d (%v > %v)", i, j, p, probabilities[j-1]))
			}
		}
	}
	return errors.Join(errs...)
}

// ValidateServable loads a servable version into the session, submits the image at imagePath as a single
// encoded image and validates the response. A version of 0 validates the latest version.
func ValidateServable(ctx context.Context, session *Session, root string, version int64, imagePath string) (*pipelines.ImageClassificationOutput, error) {
	imageBytes, err := fileutil.ReadFileBytesContext(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	pipeline, err := session.LoadServable(ctx, root, version)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := ClosePipeline[*pipelines.ImageClassificationPipeline](session, pipeline.PipelineName); closeErr != nil {
			log.Error().Err(closeErr).Msg("closing validation pipeline")
		}
	}()

	output, err := pipeline.RunWithBytes([][]byte{imageBytes})
	if err != nil {
		return nil, err
	}
	config := ValidationConfig{Rows: 1, TopK: pipeline.TopK}
	if info, _, infoErr := pipeline.Model.OutputInfo(); infoErr == nil && len(info.Dimensions) == 2 {
		config.NumClasses = safeconv.Int64ToInt(info.Dimensions[1])
	}
	if err = Validate(output, config); err != nil {
		return output, err
	}
	log.Info().Str("servable", pipeline.PipelineName).Ints("classes", output.Classes[0]).Msg("servable validated")
	return output, nil
}
