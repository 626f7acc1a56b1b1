package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/infodancer/smtpd/internal/smtp"
)

// SpoolStore writes accepted messages to a directory, one file per
// message, named by queue id. The envelope is recorded as Return-Path and
// X-Envelope-To headers prepended to the raw message. Files are staged in
// a tmp subdirectory and renamed into place so readers never see a
// partial message.
type SpoolStore struct {
	dir      string
	tmpDir   string
	hostname string
}

// NewSpoolStore creates the spool directories if needed.
func NewSpoolStore(dir, hostname string) (*SpoolStore, error) {
	tmpDir := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &SpoolStore{dir: dir, tmpDir: tmpDir, hostname: hostname}, nil
}

// Save writes one message to the spool.
func (s *SpoolStore) Save(ctx context.Context, sess smtp.SessionView, msg *smtp.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmpPath := filepath.Join(s.tmpDir, msg.ID())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating spool file: %w", err)
	}

	err = s.writeSpoolFile(f, sess, msg)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing spool file: %w", err)
	}

	finalPath := filepath.Join(s.dir, msg.ID()+".eml")
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("committing spool file: %w", err)
	}
	return nil
}

func (s *SpoolStore) writeSpoolFile(f *os.File, sess smtp.SessionView, msg *smtp.Message) error {
	if _, err := fmt.Fprintf(f, "Return-Path: <%s>\r\n", msg.ReversePath()); err != nil {
		return err
	}
	for _, rcpt := range msg.ForwardPaths() {
		if _, err := fmt.Fprintf(f, "X-Envelope-To: <%s>\r\n", rcpt); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(f, "Received: from %s (%s)\r\n\tby %s with ESMTP id %s\r\n",
		sess.ClientDomain(), sess.RemoteAddr(), s.hostname, msg.ID()); err != nil {
		return err
	}
	_, err := f.Write(msg.Raw())
	return err
}
