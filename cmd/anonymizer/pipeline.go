package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"pii-anonymizer/internal/anonymizer"
	"pii-anonymizer/internal/audit"
	"pii-anonymizer/internal/config"
	"pii-anonymizer/internal/detector"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/metrics"
	"pii-anonymizer/internal/patterns"
	"pii-anonymizer/internal/recognizer"
	"pii-anonymizer/internal/redact"
	"pii-anonymizer/internal/vocabulary"
)

// pipeline is every long-lived component built from one Config.
type pipeline struct {
	lib     *patterns.Library
	vocab   *vocabulary.Vocabulary
	adapter *recognizer.Adapter
	anon    *anonymizer.Anonymizer
	metrics *metrics.Metrics
	audit   audit.Store
}

// buildPipeline wires the pattern table, recognizer backend, detector,
// redaction engine and observers. withAudit opens the audit store; one-shot
// CLI commands skip it.
func buildPipeline(cfg *config.Config, log *logger.Logger, withAudit bool) (*pipeline, error) {
	lib, err := loadLibrary(cfg)
	if err != nil {
		return nil, err
	}
	vocab := vocabulary.Default()
	if cfg.VocabularyFile != "" {
		if vocab, err = vocabulary.LoadFile(cfg.VocabularyFile); err != nil {
			return nil, err
		}
	}
	vocab = vocab.WithCategories(lib.Categories())

	p := &pipeline{lib: lib, vocab: vocab, metrics: metrics.New()}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	p.adapter = recognizer.NewAdapter(backend, recognizer.AdapterOptions{
		Timeout:  time.Duration(cfg.RecognizerTimeoutMs) * time.Millisecond,
		Logger:   log.Module("recognizer"),
		Observer: p.metrics,
	})

	det := detector.New(lib, p.adapter, detector.Options{
		Threshold:     cfg.ScoreThreshold,
		ContextWindow: cfg.ContextWindow,
		Logger:        log.Module("detector"),
		Observer:      p.metrics,
	})
	eng := redact.New(vocab, log.Module("redact"))

	observers := []anonymizer.Observer{p.metrics}
	if withAudit {
		store, err := audit.Open(cfg.AuditPath, cfg.AuditRetention)
		if err != nil {
			p.adapter.Close() //nolint:errcheck // best-effort cleanup on init failure
			return nil, err
		}
		p.audit = store
		observers = append(observers, audit.NewRecorder(store, log.Module("audit")))
	}

	p.anon = anonymizer.New(det, eng, anonymizer.Options{
		MaxTextBytes: cfg.MaxTextBytes,
		SkipKeys:     cfg.JSONSkipKeys,
		Logger:       log.Module("anonymizer"),
		Observers:    observers,
	})
	return p, nil
}

func loadLibrary(cfg *config.Config) (*patterns.Library, error) {
	lib, err := patterns.Default()
	if err != nil {
		return nil, fmt.Errorf("embedded pattern table: %w", err)
	}
	if cfg.PatternsFile != "" {
		extra, err := patterns.LoadFile(cfg.PatternsFile)
		if err != nil {
			return nil, err
		}
		lib = lib.Extend(extra)
	}
	lib.SetContextWindow(cfg.ContextWindow)
	return lib, nil
}

// newBackend returns the configured recognizer, or nil for "none".
func newBackend(cfg *config.Config) (recognizer.Recognizer, error) {
	client := &http.Client{}
	switch cfg.Recognizer {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendSidecar:
		return recognizer.NewSidecar(cfg.SidecarURL, client), nil
	case config.BackendOllama:
		return recognizer.NewOllama(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.OllamaMaxConcurrent, client), nil
	case config.BackendONNX:
		onnx, err := recognizer.NewONNX(recognizer.ONNXOptions{
			ModelDir:      cfg.ONNXModelDir,
			SharedLibrary: cfg.ONNXSharedLibrary,
			SeqLen:        cfg.ONNXSeqLen,
			Sessions:      cfg.ONNXSessions,
		})
		if err != nil {
			return nil, fmt.Errorf("onnx recognizer: %w", err)
		}
		return onnx, nil
	}
	return nil, fmt.Errorf("unknown recognizer backend %q", cfg.Recognizer)
}

// Close releases the recognizer and the audit store.
func (p *pipeline) Close() error {
	var errs []error
	if err := p.adapter.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.audit != nil {
		if err := p.audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
