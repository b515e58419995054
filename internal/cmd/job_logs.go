package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var jobLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show agent output for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobLogs,
}

func init() {
	jobCmd.AddCommand(jobLogsCmd)
	jobLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole file)")
	jobLogsCmd.Flags().Bool("follow", false, "Follow log output")
}

func runJobLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	w, err := loadWarden(cmd.Context())
	if err != nil {
		return err
	}
	jobID, err := w.store.ResolveJobID(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}

	stdoutPath := w.store.StdoutPath(jobID)
	stderrPath := w.store.StderrPath(jobID)

	switch stream {
	case "stdout":
		if follow {
			return followLog(stdoutPath)
		}
		return printLogTail(stdoutPath, tailN)
	case "stderr":
		if follow {
			return followLog(stderrPath)
		}
		return printLogTail(stderrPath, tailN)
	case "both":
		if follow {
			return fmt.Errorf("--follow supports a single stream")
		}
		if err := printLogTail(stdoutPath, tailN); err != nil {
			return err
		}
		return printLogTail(stderrPath, tailN)
	default:
		return fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream)
	}
}

func printLogTail(path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(os.Stdout, f)
		return err
	}

	lines, err := lastLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

func lastLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

func followLog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		_, _ = fmt.Fprintln(os.Stdout, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// Simple polling follow; the agent process appends, never truncates.
	for {
		pos, _ := f.Seek(0, io.SeekCurrent)
		st, err := f.Stat()
		if err != nil {
			return err
		}
		if st.Size() > pos {
			scanner = bufio.NewScanner(f)
			for scanner.Scan() {
				_, _ = fmt.Fprintln(os.Stdout, scanner.Text())
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			continue
		}
		time.Sleep(250 * time.Millisecond)
	}
}
