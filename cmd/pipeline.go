package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/audiolibrelab/spatialcapture/internal/service"
)

// executePipeline runs the pipeline steps that follow startStep.
func executePipeline(ctx context.Context, svc service.Service, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := strings.ToLower(pipeline)
	startIndex := strings.IndexRune(steps, startStep)
	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	rest := steps[startIndex+1:]
	if rest == "" {
		return nil
	}
	fmt.Printf("Pipeline: executing remaining steps '%s'...\n", rest)
	return svc.RunPipeline(ctx, rest, 0)
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true, // record
		'm': true, // merge
		'p': true, // play
	}

	steps := []rune(strings.ToLower(pipeline))
	for _, step := range steps {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: r=record, m=merge, p=play)", step)
		}
	}

	return nil
}
