// statementctl is a command line client for the statementd gRPC service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	pb "github.com/mtiwari1/statementd/proto"
)

// maxMessageBytes matches the server's default upload limit plus base64 overhead.
const maxMessageBytes = 48 << 20

type dialFunc func(ctx context.Context, addr string) (pb.StatementServiceClient, io.Closer, error)

type app struct {
	addr    string
	timeout time.Duration
	dial    dialFunc
	out     io.Writer
}

func main() {
	root := newRootCmd(dialGRPC, os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func dialGRPC(ctx context.Context, addr string) (pb.StatementServiceClient, io.Closer, error) {
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		pb.ClientCodecOption(),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxMessageBytes), grpc.MaxCallRecvMsgSize(maxMessageBytes)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return pb.NewStatementServiceClient(conn), conn, nil
}

func newRootCmd(dial dialFunc, out io.Writer) *cobra.Command {
	a := &app{dial: dial, out: out}

	root := &cobra.Command{
		Use:          "statementctl",
		Short:        "Upload and inspect bank statements on a statementd server",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.addr, "addr", envOr("STATEMENTD_GRPC_ADDR", "localhost:50051"), "statementd gRPC address")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 5*time.Minute, "per-call timeout")

	root.AddCommand(a.uploadCmd(), a.getCmd(), a.listCmd())
	return root
}

func (a *app) uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a statement and wait for it to be parsed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			return a.call(cmd.Context(), func(ctx context.Context, c pb.StatementServiceClient) (any, error) {
				var trailer metadata.MD
				resp, err := c.IngestStatement(ctx, &pb.IngestStatementRequest{
					FileName: filepath.Base(args[0]),
					Content:  content,
				}, grpc.Trailer(&trailer))
				if err != nil {
					if ids := trailer.Get(pb.StatementIDTrailer); len(ids) > 0 {
						return nil, fmt.Errorf("%s (statement %s)", status.Convert(err).Message(), ids[0])
					}
					return nil, err
				}
				return resp, nil
			})
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one statement record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd.Context(), func(ctx context.Context, c pb.StatementServiceClient) (any, error) {
				resp, err := c.GetStatement(ctx, &pb.GetStatementRequest{Id: args[0]})
				if err != nil {
					return nil, err
				}
				return resp.Statement, nil
			})
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var limit int32
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent statement records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd.Context(), func(ctx context.Context, c pb.StatementServiceClient) (any, error) {
				resp, err := c.ListStatements(ctx, &pb.ListStatementsRequest{Limit: limit})
				if err != nil {
					return nil, err
				}
				return resp.Statements, nil
			})
		},
	}
	cmd.Flags().Int32Var(&limit, "limit", 20, "maximum number of records")
	return cmd
}

// call dials, runs fn under the call timeout and prints its result as JSON.
func (a *app) call(ctx context.Context, fn func(context.Context, pb.StatementServiceClient) (any, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	client, closer, err := a.dial(ctx, a.addr)
	if err != nil {
		return err
	}
	defer closer.Close()

	v, err := fn(ctx, client)
	if err != nil {
		if st, ok := status.FromError(err); ok {
			return fmt.Errorf("%s: %s", st.Code(), st.Message())
		}
		return err
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
