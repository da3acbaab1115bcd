package storage

import (
	"fmt"

	"hazard-ensemble/internal/cfg"
	"hazard-ensemble/internal/common"
	"hazard-ensemble/internal/history"
)

// OpenSource returns the history provider named by source, wrapped so that
// only valid rounds come out of it. The bolt source is served by store,
// which is opened from settings.DataPath when nil. The returned func
// releases whatever OpenSource opened itself.
func OpenSource(settings *cfg.Settings, source string, store *Store) (history.Provider, func() error, error) {
	noop := func() error { return nil }

	var (
		p       history.Provider
		closeFn = noop
	)
	switch source {
	case common.SourceBolt:
		if store == nil {
			s, err := New(settings.DataPath)
			if err != nil {
				return nil, nil, err
			}
			store, closeFn = s, s.Close
		}
		p = store
	case common.SourceSQLite:
		sp, err := history.OpenSQLite(settings.SQLitePath, settings.Hazards)
		if err != nil {
			return nil, nil, err
		}
		p, closeFn = sp, sp.Close
	case common.SourceREST:
		p = history.NewRESTProvider(settings.RESTBaseURL, settings.RESTTimeout)
	case common.SourceFile:
		p = history.NewFileProvider(settings.HistoryFile)
	default:
		return nil, nil, fmt.Errorf("unknown history source %q", source)
	}

	return history.Validated{
		Provider: p,
		Cells:    settings.GridRows * settings.GridCols,
		Hazards:  settings.Hazards,
	}, closeFn, nil
}
