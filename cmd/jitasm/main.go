package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gojit/dynarec"
	"github.com/gojit/dynarec/internal/asm"
	amd64 "github.com/gojit/dynarec/internal/asm/amd64"
	"github.com/gojit/dynarec/internal/logging"
)

func main() {
	doMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdIn io.Reader, stdOut, stdErr io.Writer, exit func(code int)) {
	cmd := newRootCmd(stdIn, stdOut, stdErr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stdErr, err)
		exit(1)
		return
	}
	exit(0)
}

// sessionFlags are the flags configuring the translation session.
type sessionFlags struct {
	mode      string
	stateBase uint64
	baseReg   string
	logLevel  string
	logScopes string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&f.mode, "mode", "m", "wide", "host mode: narrow (x86) or wide (x86-64)")
	cmd.PersistentFlags().Uint64Var(&f.stateBase, "state-base", 0x1000_0000, "address of the guest state")
	cmd.PersistentFlags().StringVar(&f.baseReg, "base-reg", "R15", "register holding the state base in wide mode")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log translation events at this level to stderr: trace, debug or info")
	cmd.PersistentFlags().StringVar(&f.logScopes, "log-scopes", "all", "log scopes: block, reloc, buffer or all")
}

func (f *sessionFlags) newSession(stdErr io.Writer) (*dynarec.Session, error) {
	cfg := dynarec.NewConfig().
		WithStateBase(uintptr(f.stateBase)).
		// The code is only printed, never run.
		WithAllocator(asm.HeapAllocator)

	switch strings.ToLower(f.mode) {
	case "narrow":
		cfg = cfg.WithHostMode(dynarec.ModeNarrow)
	case "wide":
		cfg = cfg.WithHostMode(dynarec.ModeWide)
	default:
		return nil, fmt.Errorf("invalid mode %q", f.mode)
	}

	reg, ok := amd64.RegisterByName(strings.ToUpper(f.baseReg))
	if !ok {
		return nil, fmt.Errorf("unknown register %s", f.baseReg)
	}
	cfg = cfg.WithBaseRegister(reg)

	if f.logLevel != "" {
		level, err := logging.ParseLevel(f.logLevel)
		if err != nil {
			return nil, err
		}
		scopes, err := logging.ParseScopes(f.logScopes)
		if err != nil {
			return nil, err
		}
		cfg = cfg.WithLogger(logging.NewTextLogger(stdErr, level)).WithLogScopes(scopes)
	}
	return dynarec.NewSession(cfg)
}

func newRootCmd(stdIn io.Reader, stdOut, stdErr io.Writer) *cobra.Command {
	flags := &sessionFlags{}
	rootCmd := &cobra.Command{
		Use:           "jitasm <command> [arguments]",
		Short:         "jitasm encodes x86 and x86-64 instructions the way the recompiler emits them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example:       "echo 'mov.32 ax, $0x1234' | jitasm encode --mode narrow",
	}
	rootCmd.SetIn(stdIn)
	rootCmd.SetOut(stdOut)
	rootCmd.SetErr(stdErr)
	flags.register(rootCmd)

	rootCmd.AddCommand(newEncodeCmd(flags), newDemoCmd(flags))
	return rootCmd
}

func newEncodeCmd(flags *sessionFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "encode [instruction...]",
		Short: "Encode instructions given as arguments, or read from a file or stdin one per line.",
		Example: "jitasm encode 'add.64 r8, [bx+si*8-0x10]' 'setne state+0x10'\n" +
			"jitasm encode --file blocks.s",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader
			switch {
			case len(args) > 0:
				in = strings.NewReader(strings.Join(args, "\n"))
			case file != "":
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			default:
				in = cmd.InOrStdin()
			}

			s, err := flags.newSession(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			p := &parser{stateBase: uintptr(flags.stateBase)}
			blocks, err := p.parse(in)
			if err != nil {
				return err
			}
			if err = translate(s, blocks); err != nil {
				return err
			}
			printListing(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file of instructions")
	return cmd
}

func newDemoCmd(flags *sessionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Translate a block loading 0x1234 then jumping to 0xA0001000, before and after patching the jump.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := flags.newSession(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			const target asm.GuestAddress = 0xA000_1000
			if err = s.Block(0x1000, func(a *amd64.Assembler) error {
				if err := a.Emit(amd64.MOV, amd64.Width32, amd64.Reg(amd64.RegAX), amd64.Imm32(0x1234)); err != nil {
					return err
				}
				a.JumpToGuest(target)
				return nil
			}); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "; before patching")
			printListing(out, s)

			// Patch to a fixed distance past the block, reachable in both modes.
			start, _ := s.HostAddress(0x1000)
			host := start + 0x1_0000
			if _, err = s.Resolve(target, host); err != nil {
				return err
			}
			fmt.Fprintf(out, "; after patching 0x%08x to %#x\n", uint32(target), host)
			printListing(out, s)
			return nil
		},
	}
}

func translate(s *dynarec.Session, blocks []block) error {
	for _, b := range blocks {
		lines := b.lines
		if err := s.Block(b.guest, func(a *amd64.Assembler) error {
			for _, e := range lines {
				if err := e(a); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func printListing(w io.Writer, s *dynarec.Session) {
	fmt.Fprint(w, s.Disassemble())
	for _, p := range s.Pending() {
		fmt.Fprintf(w, "; pending %s at 0x%04x -> 0x%08x\n", p.Kind, p.Site, uint32(p.Target))
	}
}
