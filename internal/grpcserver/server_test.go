package grpcserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/mtiwari1/statementd/internal/ingest"
	"github.com/mtiwari1/statementd/internal/repository"
	"github.com/mtiwari1/statementd/internal/repository/repotest"
	pb "github.com/mtiwari1/statementd/proto"
)

type fakeIngester struct {
	rec *repository.StatementRecord
	err error
}

func (f *fakeIngester) Ingest(context.Context, []byte, string) (*repository.StatementRecord, error) {
	return f.rec, f.err
}

func startServer(t *testing.T, ing Ingester) (pb.StatementServiceClient, *repository.SQLRepo) {
	t.Helper()
	repo := repotest.NewSQLite(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(pb.ServerCodecOption())
	pb.RegisterStatementServiceServer(srv, NewServer(ing, repo, logger))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		pb.ClientCodecOption(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return pb.NewStatementServiceClient(conn), repo
}

func TestIngestStatementSuccess(t *testing.T) {
	rec := &repository.StatementRecord{
		ID:         uuid.New().String(),
		FileName:   "statement.pdf",
		IssuerBank: "Acme Bank",
		Status:     repository.StatusParsed,
		ParsedData: map[string]any{"total": json.Number("1289.50")},
	}
	client, _ := startServer(t, &fakeIngester{rec: rec})

	resp, err := client.IngestStatement(context.Background(), &pb.IngestStatementRequest{
		FileName: "statement.pdf",
		Content:  []byte("%PDF-1.4"),
	})
	require.NoError(t, err)
	assert.Equal(t, "File uploaded and parsed successfully (Acme Bank)", resp.Message)
	require.NotNil(t, resp.Statement)
	assert.Equal(t, rec.ID, resp.Statement.Id)
	assert.Equal(t, "Parsed", resp.Statement.Status)
	assert.Equal(t, json.Number("1289.50"), resp.Statement.ParsedData["total"])
}

func TestIngestStatementErrors(t *testing.T) {
	failedID := uuid.New().String()

	tests := []struct {
		name      string
		err       error
		wantCode  codes.Code
		wantMsg   string
		wantTrail string
	}{
		{
			name:     "missing input",
			err:      &ingest.Error{Kind: ingest.ErrMissingInput, Public: "No file was uploaded."},
			wantCode: codes.InvalidArgument,
			wantMsg:  "No file was uploaded.",
		},
		{
			name: "parser failure",
			err: &ingest.Error{
				Kind: ingest.ErrNonZeroExit, Public: "Statement parser failed.",
				Diagnostic: "cannot read PDF", Record: &repository.StatementRecord{ID: failedID},
			},
			wantCode:  codes.Internal,
			wantMsg:   "Statement parser failed.",
			wantTrail: failedID,
		},
		{
			name:     "queue unavailable",
			err:      &ingest.Error{Kind: ingest.ErrQueueUnavailable, Public: "busy"},
			wantCode: codes.Unavailable,
			wantMsg:  "busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := startServer(t, &fakeIngester{err: tt.err})

			var trailer metadata.MD
			_, err := client.IngestStatement(context.Background(),
				&pb.IngestStatementRequest{FileName: "x.pdf", Content: []byte("x")},
				grpc.Trailer(&trailer),
			)
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, st.Code())
			assert.Equal(t, tt.wantMsg, st.Message())

			if tt.wantTrail == "" {
				assert.Empty(t, trailer.Get(pb.StatementIDTrailer))
			} else {
				assert.Equal(t, []string{tt.wantTrail}, trailer.Get(pb.StatementIDTrailer))
			}
		})
	}
}

func TestGetAndListStatements(t *testing.T) {
	client, repo := startServer(t, &fakeIngester{})
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		rec := &repository.StatementRecord{
			ID:         uuid.New().String(),
			FileName:   "s.pdf",
			UploadDate: base.Add(time.Duration(i) * time.Minute),
			Status:     repository.StatusPending,
		}
		require.NoError(t, repo.Create(ctx, rec))
		ids = append(ids, rec.ID)
	}
	traceback := "Traceback (most recent call last):\nKeyError: secret=abc"
	require.NoError(t, repo.Finalize(ctx, ids[0], repository.Failed(traceback)))

	got, err := client.GetStatement(ctx, &pb.GetStatementRequest{Id: ids[0]})
	require.NoError(t, err)
	assert.Equal(t, "Failed", got.Statement.Status)
	assert.Equal(t, repository.PublicFailureMessage, got.Statement.ErrorMessage)
	assert.True(t, base.Equal(got.Statement.UploadDate))

	list, err := client.ListStatements(ctx, &pb.ListStatementsRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list.Statements, 2)
	assert.Equal(t, ids[2], list.Statements[0].Id)

	list, err = client.ListStatements(ctx, &pb.ListStatementsRequest{})
	require.NoError(t, err)
	require.Len(t, list.Statements, 3)
	for _, st := range list.Statements {
		assert.NotContains(t, st.ErrorMessage, "Traceback", st.Id)
		assert.NotContains(t, st.ErrorMessage, "secret", st.Id)
	}
	assert.Equal(t, repository.PublicFailureMessage, list.Statements[2].ErrorMessage)

	stored, err := repo.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, traceback, stored.ErrorMessage)
}

func TestGetStatementErrorCodes(t *testing.T) {
	client, _ := startServer(t, &fakeIngester{})
	ctx := context.Background()

	_, err := client.GetStatement(ctx, &pb.GetStatementRequest{Id: uuid.New().String()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetStatement(ctx, &pb.GetStatementRequest{Id: "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ListStatements(ctx, &pb.ListStatementsRequest{Limit: -1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
