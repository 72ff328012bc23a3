package pipelines

import (
	"github.com/knights-analytics/servable/backends"
	"github.com/knights-analytics/servable/util/imageutil"
)

// imagePipeline is implemented by pipelines whose input is a batch of images.
type imagePipeline interface {
	backends.Pipeline
	addPreprocessSteps(...imageutil.PreprocessStep)
	addNormalizationSteps(...imageutil.NormalizationStep)
	setImageFormat(string)
}

// WithPreprocessSteps replaces the resize and crop described by the servable manifest.
func WithPreprocessSteps[T imagePipeline](steps ...imageutil.PreprocessStep) backends.PipelineOption[T] {
	return func(p T) error {
		p.addPreprocessSteps(steps...)
		return nil
	}
}

// WithNormalizationSteps replaces the pixel normalization described by the servable manifest.
func WithNormalizationSteps[T imagePipeline](steps ...imageutil.NormalizationStep) backends.PipelineOption[T] {
	return func(p T) error {
		p.addNormalizationSteps(steps...)
		return nil
	}
}

func WithNCHWFormat[T imagePipeline]() backends.PipelineOption[T] {
	return func(p T) error {
		p.setImageFormat(imageutil.LayoutNCHW)
		return nil
	}
}

func WithNHWCFormat[T imagePipeline]() backends.PipelineOption[T] {
	return func(p T) error {
		p.setImageFormat(imageutil.LayoutNHWC)
		return nil
	}
}

func (p *ImageClassificationPipeline) addPreprocessSteps(steps ...imageutil.PreprocessStep) {
	p.preprocessSteps = append(p.preprocessSteps, steps...)
}

func (p *ImageClassificationPipeline) addNormalizationSteps(steps ...imageutil.NormalizationStep) {
	p.normalizationSteps = append(p.normalizationSteps, steps...)
}

func (p *ImageClassificationPipeline) setImageFormat(format string) {
	p.imageFormat = format
}
