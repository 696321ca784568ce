// Package export performs the actions a workflow applies to its final output.
//
// A Dispatcher implements workflow.Exporter and routes every export to the
// collaborator for its kind: save_file exports are written by a FileSaver on
// an afero file system, send_email exports are delivered by a Mailer, usually
// an SMTPMailer.
//
// Usage:
//
//	mailer, err := export.NewSMTPMailer(cfg.Export.SMTP)
//	if err != nil {
//	    return err
//	}
//	d := export.NewDispatcher(logger, export.NewFileSaver(afero.NewOsFs(), "./results"),
//	    export.WithMailer(mailer))
//	wf, err := workflow.NewBuilder(dir, tag).WithExporter(d).Build(ctx)
package export
