package service

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/marmos91/gridrpc/internal/protocol"
	"github.com/marmos91/gridrpc/pkg/filetransfer"
	"github.com/marmos91/gridrpc/pkg/metrics"
	"github.com/marmos91/gridrpc/pkg/outcome"
)

// Transfer directions.
const (
	DirectionFromClient = "FromClient"
	DirectionToClient   = "ToClient"
)

// serveTransfer runs the FFC/FTC sub-protocol:
//
//	client -> fileID
//	server -> Outcome (ack or denial)
//	chunks in the transfer direction, up to the EOF chunk
//	server -> Outcome of the callback
func (rh *RequestHandler) serveTransfer(ctx context.Context, s *Session, method string) error {
	raw, err := s.transport.ReceiveRaw()
	if err != nil {
		return fmt.Errorf("receive file id from %s: %w", s.remote, err)
	}
	var fileID string
	err = protocol.Unmarshal(raw, &fileID)
	protocol.PutBuffer(raw)
	if err != nil {
		s.log.Warn("Malformed file identifier from %s: %v", s.remote, err)
		return s.send(outcome.Err(MsgMalformedFileID))
	}

	if d := rh.authorize(s, method); !d.Allowed {
		return s.send(outcome.Err(MsgUnauthorized))
	}

	direction := DirectionFromClient
	available := rh.handler.fromClient != nil
	if method == FileToClientMethod {
		direction = DirectionToClient
		available = rh.handler.toClient != nil
	}
	if !available {
		return s.send(outcome.Err(MsgNoTransfer))
	}

	if err := s.send(outcome.Ok(nil)); err != nil {
		return err
	}

	s.log.Info("Transferring %s %s for %s@%s", fileID, direction, s.Username(), s.Group())

	helper := filetransfer.NewHelper(s.transport,
		filetransfer.WithCompression(rh.handler.descriptor.CompressTransfers))
	t := &Transfer{FileID: fileID, Direction: direction, Session: s}

	var (
		result   outcome.Outcome
		closeErr error
		label    string
	)
	if direction == DirectionFromClient {
		label = metrics.DirectionFromClient
		r := helper.Reader()
		result = rh.runCallback(fileID, func() outcome.Outcome {
			return rh.handler.fromClient(ctx, t, r)
		})
		closeErr = r.Close()
	} else {
		label = metrics.DirectionToClient
		w := helper.Writer()
		result = rh.runCallback(fileID, func() outcome.Outcome {
			return rh.handler.toClient(ctx, t, w)
		})
		closeErr = w.Close()
	}
	rh.metrics.RecordTransferBytes(rh.serviceName(), label, helper.Bytes())

	if !helper.Finished() {
		s.log.Error("Transfer of %s did not finish", fileID)
	}
	if closeErr != nil {
		return fmt.Errorf("transfer of %s: %w", fileID, closeErr)
	}
	return s.send(result)
}

func (rh *RequestHandler) runCallback(fileID string, fn func() outcome.Outcome) (result outcome.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			rh.log.Error("Panic while transferring %s: %v\n%s", fileID, r, debug.Stack())
			result = outcome.Errf("Error while transferring %s: %v", fileID, r)
		}
	}()
	return fn()
}

// CopyFile is a convenience for FileToClient callbacks serving a reader.
func CopyFile(w io.Writer, r io.Reader) outcome.Outcome {
	n, err := io.Copy(w, r)
	if err != nil {
		return outcome.Errf("Transfer failed after %d bytes: %v", n, err)
	}
	return outcome.Ok(n)
}
