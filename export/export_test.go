package export

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codechain/config"
	"github.com/isdmx/codechain/workflow"
)

// MockMailer implements Mailer for testing
type MockMailer struct {
	sent []Message
	err  error
}

func (m *MockMailer) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func TestFileSaver(t *testing.T) {
	ctx := context.Background()

	t.Run("RelativePathUnderBaseDir", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		saver := NewFileSaver(fs, "/results")

		path, err := saver.Save(ctx, "out/point.json", "{\"x\":30,\"y\":21}\n")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/results", "out", "point.json"), path)

		data, err := afero.ReadFile(fs, path)
		require.NoError(t, err)
		assert.Equal(t, "{\"x\":30,\"y\":21}\n", string(data))
	})

	t.Run("AbsolutePathAndOverwrite", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		saver := NewFileSaver(fs, "/results")

		_, err := saver.Save(ctx, "/tmp/final.txt", "first")
		require.NoError(t, err)
		path, err := saver.Save(ctx, "/tmp/final.txt", "second")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/final.txt", path)

		data, err := afero.ReadFile(fs, "/tmp/final.txt")
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := NewFileSaver(afero.NewMemMapFs(), "/").Save(ctx, "", "x")
		assert.Error(t, err)
	})

	t.Run("ReadOnlyFileSystem", func(t *testing.T) {
		saver := NewFileSaver(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/results")
		_, err := saver.Save(ctx, "out.txt", "x")
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		fs := afero.NewMemMapFs()

		_, err := NewFileSaver(fs, "/").Save(cctx, "out.txt", "x")
		assert.ErrorIs(t, err, context.Canceled)
		exists, _ := afero.Exists(fs, "/out.txt")
		assert.False(t, exists)
	})
}

func TestDispatcher(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("SaveFile", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		d := NewDispatcher(logger, NewFileSaver(fs, "/results"))

		require.NoError(t, d.Export(ctx, workflow.SaveFile("keep", "result.txt"), "16\n"))
		data, err := afero.ReadFile(fs, "/results/result.txt")
		require.NoError(t, err)
		assert.Equal(t, "16\n", string(data))
	})

	t.Run("SendEmail", func(t *testing.T) {
		mailer := &MockMailer{}
		d := NewDispatcher(logger, NewFileSaver(afero.NewMemMapFs(), "/"), WithMailer(mailer))

		require.NoError(t, d.Export(ctx, workflow.SendEmail("notify", "ops@example.com", "done"), "16\n"))
		require.Len(t, mailer.sent, 1)
		assert.Equal(t, Message{To: "ops@example.com", Subject: "done", Body: "16\n"}, mailer.sent[0])
	})

	t.Run("SendEmailFailure", func(t *testing.T) {
		boom := errors.New("relay refused")
		d := NewDispatcher(logger, NewFileSaver(afero.NewMemMapFs(), "/"), WithMailer(&MockMailer{err: boom}))

		err := d.Export(ctx, workflow.SendEmail("notify", "ops@example.com", "done"), "16\n")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("SendEmailWithoutMailer", func(t *testing.T) {
		d := NewDispatcher(logger, NewFileSaver(afero.NewMemMapFs(), "/"))
		err := d.Export(ctx, workflow.SendEmail("notify", "ops@example.com", "done"), "16\n")
		assert.ErrorIs(t, err, ErrMailerNotConfigured)
	})

	t.Run("NoFileSaver", func(t *testing.T) {
		d := NewDispatcher(nil, nil)
		err := d.Export(ctx, workflow.SaveFile("keep", "out.txt"), "16\n")
		assert.ErrorIs(t, err, ErrFileSaverNotConfigured)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		d := NewDispatcher(nil, NewFileSaver(afero.NewMemMapFs(), "/"))
		err := d.Export(ctx, workflow.Export{Kind: "tweet"}, "16\n")
		assert.ErrorIs(t, err, ErrUnsupportedExport)
	})
}

func TestNewFromConfig(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("WithoutSMTP", func(t *testing.T) {
		d, err := NewFromConfig(logger, &config.Config{Export: config.ExportConfig{BaseDir: t.TempDir()}})
		require.NoError(t, err)
		assert.Nil(t, d.mailer)
		require.NotNil(t, d.files)
	})

	t.Run("WithSMTP", func(t *testing.T) {
		d, err := NewFromConfig(logger, &config.Config{Export: config.ExportConfig{
			BaseDir: t.TempDir(),
			SMTP:    config.SMTPConfig{Host: "mail.example.com", Port: 587, From: "codechain@example.com"},
		}})
		require.NoError(t, err)
		mailer, ok := d.mailer.(*SMTPMailer)
		require.True(t, ok)
		assert.Equal(t, "mail.example.com:587", mailer.addr)
		assert.Equal(t, mail.SMTPAuthNoAuth, mailer.authType)
	})

	t.Run("InvalidSMTP", func(t *testing.T) {
		_, err := NewFromConfig(logger, &config.Config{Export: config.ExportConfig{
			BaseDir: t.TempDir(),
			SMTP:    config.SMTPConfig{Host: "mail.example.com", Port: -1, From: "codechain@example.com"},
		}})
		assert.Error(t, err)
	})

	t.Run("SavesOnHostFileSystem", func(t *testing.T) {
		dir := t.TempDir()
		d, err := NewFromConfig(logger, &config.Config{Export: config.ExportConfig{BaseDir: dir}})
		require.NoError(t, err)
		require.NoError(t, d.Export(context.Background(), workflow.SaveFile("keep", "nested/out.txt"), "ok\n"))

		data, err := afero.ReadFile(afero.NewOsFs(), filepath.Join(dir, "nested", "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "ok\n", string(data))
	})
}
