package service

import (
	"context"

	"github.com/keelclear/keel/internal/window"
)

// WindowHead returns the current open window.
func (s *Service) WindowHead(ctx context.Context) (*window.Window, error) {
	return s.windows.Head(ctx)
}

// WindowSubmit adds a leaf hash to the open window. Resubmission is a
// no-op.
func (s *Service) WindowSubmit(ctx context.Context, leafHash string) (string, error) {
	return s.windows.Submit(ctx, leafHash)
}

// WindowRotate closes the open window and opens its successor.
func (s *Service) WindowRotate(ctx context.Context) (closed, next *window.Window, err error) {
	return s.windows.Rotate(ctx)
}

// WindowProof produces an inclusion proof for a leaf in a closed window.
func (s *Service) WindowProof(ctx context.Context, windowID, leafHash string) (*window.Proof, error) {
	return s.windows.Proof(ctx, windowID, leafHash)
}

// WindowVerifyProof checks a proof against the stored leaf set.
func (s *Service) WindowVerifyProof(ctx context.Context, p *window.Proof) error {
	if err := s.windows.VerifyProof(ctx, p); err != nil {
		return integrity("%v", err)
	}
	return nil
}
