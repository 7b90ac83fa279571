package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/objectfs/cloudvol/internal/vol"
	"github.com/objectfs/cloudvol/pkg/utils"
)

const chunkSize = 1 << 20

const probeName = ".cloudvol-check"

func newCheckCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and reach the bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var exists bool
			if err := rt.check(rt.table.FileSpecific(vol.SpecificExists, probeName, &exists), "check"); err != nil {
				return err
			}
			objects, err := rt.dispatcher.List(cmd.Context(), "")
			if err != nil {
				return err
			}
			sum, err := rt.dispatcher.Describe(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ok platform=%s bucket=%s objects=%d\n", sum.Platform, sum.Bucket, len(objects))
			fmt.Fprintf(out, "retry: %d attempts, breaker %s\n", sum.RetryAttempts, sum.Breaker)
			fmt.Fprintf(out, "flush: multipart from %s, %s parts, %d in flight, %d attempts\n",
				utils.FormatBytes(sum.Flush.MultipartThreshold), utils.FormatBytes(sum.Flush.PartSize),
				sum.Flush.Concurrency, sum.Flush.MaxAttempts)
			return nil
		},
	}
}

func newStatCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <name>",
		Short: "Open an object read-only and print its file info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var h vol.Handle
			if err := rt.check(rt.table.FileOpen(args[0], vol.FlagReadOnly, &h), "open"); err != nil {
				return err
			}
			defer rt.table.FileClose(h)

			var v any
			if err := rt.check(rt.table.FileGet(h, vol.GetInfo, &v), "stat"); err != nil {
				return err
			}
			info, ok := v.(vol.FileInfo)
			if !ok {
				return fmt.Errorf("stat: unexpected info type %T", v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key:  %s\nsize: %d (%s)\nmode: %s\nstate: %s (%d dirty segments)\n",
				info.Key, info.Length, utils.FormatBytes(info.Length), info.Mode, info.State, info.Segments)
			return nil
		},
	}
}

func newCatCmd(rt *runtime) *cobra.Command {
	var offset, length int64

	cmd := &cobra.Command{
		Use:   "cat <name>",
		Short: "Write a byte range of an object to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if offset < 0 {
				return fmt.Errorf("offset must not be negative")
			}

			var h vol.Handle
			if err := rt.check(rt.table.FileOpen(args[0], vol.FlagReadOnly, &h), "open"); err != nil {
				return err
			}
			defer rt.table.FileClose(h)

			var size int64
			if err := rt.check(rt.table.FileGetSize(h, &size), "size"); err != nil {
				return err
			}
			end := size
			if length >= 0 && offset+length < end {
				end = offset + length
			}

			out := cmd.OutOrStdout()
			buf := make([]byte, chunkSize)
			for off := offset; off < end; {
				n := min(int64(len(buf)), end-off)
				if err := rt.check(rt.table.FileRead(h, off, buf[:n]), "read"); err != nil {
					return err
				}
				if _, err := out.Write(buf[:n]); err != nil {
					return err
				}
				off += n
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to read")
	cmd.Flags().Int64Var(&length, "length", -1, "number of bytes to read (-1 reads to the end)")
	return cmd
}

func newPutCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-file> <name>",
		Short: "Upload a local file through the write buffer and flush protocol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			var h vol.Handle
			if err := rt.check(rt.table.FileCreate(args[1], vol.FlagTruncate, &h), "create"); err != nil {
				return err
			}

			var written int64
			buf := make([]byte, chunkSize)
			for {
				n, readErr := src.Read(buf)
				if n > 0 {
					if err := rt.check(rt.table.FileWrite(h, written, buf[:n]), "write"); err != nil {
						rt.table.FileDiscard(h)
						return err
					}
					written += int64(n)
				}
				if readErr == io.EOF {
					break
				}
				if readErr != nil {
					rt.table.FileDiscard(h)
					return readErr
				}
			}

			if err := rt.check(rt.table.FileClose(h), "close"); err != nil {
				rt.table.FileDiscard(h)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s to %s\n", utils.FormatBytes(written), vol.ObjectKey(args[1]))
			return nil
		},
	}
}

func newLsCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List objects under a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			objects, err := rt.dispatcher.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, obj := range objects {
				modified := "-"
				if !obj.LastModified.IsZero() {
					modified = obj.LastModified.UTC().Format("2006-01-02T15:04:05Z")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", obj.Size, modified, obj.Key)
			}
			return w.Flush()
		},
	}
}

func newRmCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var deleted bool
			return rt.check(rt.table.FileSpecific(vol.SpecificDelete, args[0], &deleted), "rm")
		},
	}
}
