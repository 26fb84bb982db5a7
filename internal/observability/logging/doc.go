// Package logging builds the worker's structured slog loggers.
//
//	logger := logging.NewLogger()
//	slog.SetDefault(logger)
//	pool := worker.NewPool(cfg, store, nil, metrics, logging.Component(logger, "pool"))
package logging
