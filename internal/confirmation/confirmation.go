package confirmation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"authvault/internal/backup"
)

// Service prompts the operator before a restore overwrites live data
type Service interface {
	// ConfirmRestore shows what the restore is about to do and asks for
	// approval. autoApprove skips the prompt for automation.
	ConfirmRestore(set *backup.Set, opts backup.RestoreOptions, autoApprove bool) (bool, error)
}

type service struct {
	in  *bufio.Reader
	out io.Writer
}

// NewService creates a confirmation service reading from stdin
func NewService() Service {
	return &service{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

// NewServiceWithStreams creates a confirmation service over explicit streams
func NewServiceWithStreams(in io.Reader, out io.Writer) Service {
	return &service{in: bufio.NewReader(in), out: out}
}

// ConfirmRestore implements Service
func (s *service) ConfirmRestore(set *backup.Set, opts backup.RestoreOptions, autoApprove bool) (bool, error) {
	s.displaySummary(set, opts)

	if autoApprove {
		fmt.Fprintln(s.out, color.GreenString("Auto-approving restore."))
		return true, nil
	}

	for {
		fmt.Fprint(s.out, color.New(color.Bold).Sprint("Proceed with this restore? [y/N]: "))

		input, err := s.in.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("failed to read input: %w", err)
		}

		switch strings.ToLower(strings.TrimSpace(input)) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		default:
			fmt.Fprintf(s.out, "Please answer 'y' or 'n'.\n")
		}
	}
}

func (s *service) displaySummary(set *backup.Set, opts backup.RestoreOptions) {
	fmt.Fprintln(s.out, color.New(color.Bold).Sprint("Restore summary"))
	fmt.Fprintln(s.out, strings.Repeat("-", 30))
	fmt.Fprintf(s.out, "Backup set:  %s (%s, captured %s)\n",
		set.ID, set.Type, set.CreatedAt.Local().Format("2006-01-02 15:04:05"))

	for _, store := range opts.Stores() {
		fmt.Fprintf(s.out, "Store:       %s\n", store)
	}
	if opts.TargetDatabase != "" {
		fmt.Fprintf(s.out, "Target DB:   %s\n", opts.TargetDatabase)
	}

	if opts.Destructive() {
		fmt.Fprintln(s.out)
		fmt.Fprintln(s.out, color.RedString("DESTRUCTIVE RESTORE"))
		if opts.DropExisting {
			fmt.Fprintln(s.out, color.RedString("  - the existing PostgreSQL schema will be dropped first"))
		}
		if opts.FlushExisting {
			fmt.Fprintln(s.out, color.RedString("  - the existing Redis keyspace will be flushed first"))
		}
		fmt.Fprintln(s.out, "Data currently in the affected store(s) will be lost.")
	}
	fmt.Fprintln(s.out)
}
