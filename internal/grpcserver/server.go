// Package grpcserver implements the statementd gRPC service.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/statementd/internal/ingest"
	"github.com/mtiwari1/statementd/internal/repository"
	pb "github.com/mtiwari1/statementd/proto"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Ingester runs the ingestion pipeline for one upload.
type Ingester interface {
	Ingest(ctx context.Context, data []byte, originalName string) (*repository.StatementRecord, error)
}

// Server implements the StatementServiceServer gRPC interface.
// Dependencies are injected via the constructor.
type Server struct {
	ingester Ingester
	repo     repository.Repository
	logger   *slog.Logger
}

// NewServer creates a gRPC server backed by the ingestion service and store.
func NewServer(ingester Ingester, repo repository.Repository, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ingester: ingester, repo: repo, logger: logger}
}

// IngestStatement runs the pipeline on the uploaded bytes and returns the
// finalized record. When a record was created but failed, its id is sent in
// the statement-id trailer.
func (s *Server) IngestStatement(ctx context.Context, req *pb.IngestStatementRequest) (*pb.IngestStatementResponse, error) {
	s.logger.Info("grpc IngestStatement",
		slog.String("file_name", req.FileName),
		slog.Int("size", len(req.Content)),
	)

	rec, err := s.ingester.Ingest(ctx, req.Content, req.FileName)
	if err != nil {
		var ierr *ingest.Error
		if errors.As(err, &ierr) && ierr.StatementID() != "" {
			if tErr := grpc.SetTrailer(ctx, metadata.Pairs(pb.StatementIDTrailer, ierr.StatementID())); tErr != nil {
				s.logger.Warn("set statement-id trailer", slog.String("error", tErr.Error()))
			}
		}
		return nil, mapIngestError(err)
	}

	return &pb.IngestStatementResponse{
		Message:   "File uploaded and parsed successfully (" + rec.IssuerBank + ")",
		Statement: toProto(rec),
	}, nil
}

// GetStatement returns one record by id.
func (s *Server) GetStatement(ctx context.Context, req *pb.GetStatementRequest) (*pb.GetStatementResponse, error) {
	s.logger.Info("grpc GetStatement", slog.String("statement_id", req.Id))

	if _, err := uuid.Parse(req.Id); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "GetStatement: invalid id %q", req.Id)
	}

	rec, err := s.repo.GetByID(ctx, req.Id)
	if err != nil {
		return nil, mapDBError(err, "GetStatement")
	}
	return &pb.GetStatementResponse{Statement: toProto(rec)}, nil
}

// ListStatements returns the most recent records, newest first.
func (s *Server) ListStatements(ctx context.Context, req *pb.ListStatementsRequest) (*pb.ListStatementsResponse, error) {
	limit := int(req.Limit)
	switch {
	case limit < 0:
		return nil, status.Errorf(codes.InvalidArgument, "ListStatements: limit must not be negative")
	case limit == 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	s.logger.Info("grpc ListStatements", slog.Int("limit", limit))

	records, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, mapDBError(err, "ListStatements")
	}

	out := make([]*pb.Statement, 0, len(records))
	for _, rec := range records {
		out = append(out, toProto(rec))
	}
	return &pb.ListStatementsResponse{Statements: out}, nil
}

// mapIngestError converts pipeline failures to gRPC status codes. Only the
// public message is sent to the client.
func mapIngestError(err error) error {
	var ierr *ingest.Error
	if !errors.As(err, &ierr) {
		return status.Error(codes.Internal, "IngestStatement: internal error")
	}

	switch {
	case errors.Is(ierr, ingest.ErrMissingInput):
		return status.Error(codes.InvalidArgument, ierr.Public)
	case errors.Is(ierr, ingest.ErrQueueUnavailable):
		return status.Error(codes.Unavailable, ierr.Public)
	default:
		return status.Error(codes.Internal, ierr.Public)
	}
}

// mapDBError converts store errors to proper gRPC status codes.
func mapDBError(err error, method string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return status.Errorf(codes.NotFound, "%s: statement not found", method)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Errorf(codes.DeadlineExceeded, "%s: database timeout", method)
	}
	if errors.Is(err, context.Canceled) {
		return status.Errorf(codes.Canceled, "%s: request cancelled", method)
	}
	return status.Errorf(codes.Internal, "%s: %v", method, err)
}

// toProto builds the client view of a record; failure diagnostics stay in
// the store.
func toProto(rec *repository.StatementRecord) *pb.Statement {
	rec = rec.Public()
	return &pb.Statement{
		Id:           rec.ID,
		FileName:     rec.FileName,
		IssuerBank:   rec.IssuerBank,
		UploadDate:   rec.UploadDate,
		Status:       string(rec.Status),
		ParsedData:   rec.ParsedData,
		ErrorMessage: rec.ErrorMessage,
		Checksum:     rec.Checksum,
		SizeBytes:    rec.SizeBytes,
		ContentType:  rec.ContentType,
		FinalizedAt:  rec.FinalizedAt,
	}
}
