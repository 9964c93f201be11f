package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/filemirror/mirror/mirror"
)

// session bundles what every subcommand needs: the open store and the
// walk options derived from the configuration.
type session struct {
	store *mirror.Store
	opts  mirror.Options
}

// openSession opens the configured store, codec and ignore list.
func openSession() (*session, error) {
	dbPath, err := expandPath(viper.GetString("db"))
	if err != nil {
		return nil, err
	}
	if dbPath == "" {
		return nil, fmt.Errorf("no snapshot database configured")
	}

	name := viper.GetString("encoding")
	if name == "" {
		name = mirror.SystemEncoding()
	}
	codec, err := mirror.NewStorageCodec(name)
	if err != nil {
		return nil, err
	}

	var ignore *mirror.IgnoreList
	if p := viper.GetString("ignore_file"); p != "" {
		if p, err = expandPath(p); err != nil {
			return nil, err
		}
		if ignore, err = mirror.LoadIgnoreList(p); err != nil {
			return nil, err
		}
	}

	store, err := mirror.OpenStore(dbPath)
	if err != nil {
		return nil, err
	}
	return &session{store: store, opts: mirror.Options{Codec: codec, Ignore: ignore}}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// writeReport writes report as YAML to the configured file, if any.
func writeReport(report *mirror.Report) error {
	p, err := expandPath(viper.GetString("report"))
	if err != nil || p == "" {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
