package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/codechain/config"
	"github.com/isdmx/codechain/workflow"
)

// ErrUnsupportedExport is returned for export kinds the dispatcher does not know
var ErrUnsupportedExport = errors.New("unsupported export type")

// ErrFileSaverNotConfigured is returned for save_file exports when the
// dispatcher has no FileSaver
var ErrFileSaverNotConfigured = errors.New("no file saver configured for save_file exports")

// Dispatcher routes exports to the collaborator for their kind
type Dispatcher struct {
	logger *zap.Logger
	files  *FileSaver
	mailer Mailer
}

var _ workflow.Exporter = (*Dispatcher)(nil)

// Option defines a functional option for Dispatcher
type Option func(*Dispatcher)

// WithMailer sets the Mailer used for send_email exports
func WithMailer(m Mailer) Option {
	return func(d *Dispatcher) {
		d.mailer = m
	}
}

// NewDispatcher creates a Dispatcher writing files through files. With a nil
// files every save_file export fails with ErrFileSaverNotConfigured, and
// without WithMailer every send_email export fails with
// ErrMailerNotConfigured.
func NewDispatcher(logger *zap.Logger, files *FileSaver, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		logger: logger,
		files:  files,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromConfig creates a Dispatcher saving files under export.base_dir on
// the host file system. A mailer is configured only when export.smtp.host is
// set.
func NewFromConfig(logger *zap.Logger, cfg *config.Config) (*Dispatcher, error) {
	var opts []Option
	if cfg.Export.SMTP.Host != "" {
		mailer, err := NewSMTPMailer(cfg.Export.SMTP)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithMailer(mailer))
	}
	return NewDispatcher(logger, NewFileSaver(afero.NewOsFs(), cfg.Export.BaseDir), opts...), nil
}

// Export implements workflow.Exporter.
func (d *Dispatcher) Export(ctx context.Context, exp workflow.Export, output string) error {
	switch exp.Kind {
	case workflow.ExportSaveFile:
		if d.files == nil {
			return ErrFileSaverNotConfigured
		}
		path, err := d.files.Save(ctx, exp.Path, output)
		if err != nil {
			return err
		}
		d.logger.Info("output saved", zap.String("path", path), zap.Int("bytes", len(output)))
		return nil
	case workflow.ExportSendEmail:
		if d.mailer == nil {
			return ErrMailerNotConfigured
		}
		msg := Message{To: exp.To, Subject: exp.Subject, Body: output}
		if err := d.mailer.Send(ctx, msg); err != nil {
			return err
		}
		d.logger.Info("output mailed", zap.String("to", exp.To))
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedExport, exp.Kind)
	}
}
