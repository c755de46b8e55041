package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/gridcalc/gridcalc"
)

const (
	historyFile  = ".gridcalc_history"
	promptMain   = "==> "
	defaultSheet = "Sheet1"
	banner       = "gridcalc REPL. Ctrl+C cancels input, Ctrl+D exits. Type :help for commands."
	helpText     = `
Cells:
  A1 = 42              set a literal value
  A1 = hello           set text
  A1 = =SUM(B1:B9)     set a formula
  A1                   print a cell's value
  A1:C3                print a range

REPL commands:
  :help                show this help
  :quit / :exit        exit the REPL
  :sheets              list sheets
  :sheet <name>        switch to (or create) a sheet
  :clear <cell>        clear a cell
  :mode auto|manual    set the calculation mode
  :calc                recalculate now
`
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gridcalc",
		Short: "Spreadsheet calculation engine",
		Long: `gridcalc is a spreadsheet calculation core: a formula parser,
bytecode compiler, dependency graph, and recalculation engine.

The repl subcommand starts an interactive session; eval computes a
single formula and exits.`,
	}

	evalCmd := &cobra.Command{
		Use:   "eval <formula>",
		Short: "Evaluate one formula and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runEval,
	}

	replCmd := &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive spreadsheet session",
		RunE:  runRepl,
	}

	rootCmd.AddCommand(evalCmd, replCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runEval(cmd *cobra.Command, args []string) error {
	engine := gridcalc.NewEngine()
	if err := engine.AddSheet(defaultSheet); err != nil {
		return err
	}
	formula := args[0]
	if !strings.HasPrefix(formula, "=") {
		formula = "=" + formula
	}
	if err := engine.SetFormula(defaultSheet, "A1", formula); err != nil {
		return err
	}
	value, err := engine.GetValue(defaultSheet, "A1")
	if err != nil {
		return err
	}
	fmt.Println(formatValue(value))
	return nil
}

// session holds REPL state on top of the engine
type session struct {
	engine *gridcalc.Engine
	sheet  string
}

func runRepl(cmd *cobra.Command, args []string) error {
	fmt.Println(banner)

	s := &session{engine: gridcalc.NewEngine(), sheet: defaultSheet}
	if err := s.engine.AddSheet(defaultSheet); err != nil {
		return err
	}

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	for {
		line, err := ln.Prompt(promptMain)
		if errors.Is(err, io.EOF) {
			fmt.Println()
			break
		}
		if err != nil {
			// Ctrl+C aborts the current input
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln.AppendHistory(line)

		if strings.HasPrefix(line, ":") {
			if s.handleCommand(line) {
				break
			}
			continue
		}
		s.handleInput(line)
	}

	if f, err := os.Create(histPath); err == nil {
		_, _ = ln.WriteHistory(f)
		_ = f.Close()
	}
	return nil
}

func (s *session) handleCommand(line string) (exit bool) {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case ":help":
		fmt.Print(helpText)

	case ":quit", ":exit":
		return true

	case ":sheets":
		for _, name := range s.engine.SheetNames() {
			marker := "  "
			if name == s.sheet {
				marker = "* "
			}
			fmt.Println(marker + name)
		}

	case ":sheet":
		if len(fields) < 2 {
			fmt.Println("usage: :sheet <name>")
			return false
		}
		name := fields[1]
		if !s.engine.HasSheet(name) {
			if err := s.engine.AddSheet(name); err != nil {
				fmt.Println(err)
				return false
			}
			fmt.Printf("created sheet %s\n", name)
		}
		s.sheet = name

	case ":clear":
		if len(fields) < 2 {
			fmt.Println("usage: :clear <cell>")
			return false
		}
		if err := s.engine.Clear(s.sheet, fields[1]); err != nil {
			fmt.Println(err)
		}

	case ":mode":
		if len(fields) < 2 {
			fmt.Println("usage: :mode auto|manual")
			return false
		}
		settings := s.engine.CalcSettings()
		switch strings.ToLower(fields[1]) {
		case "auto":
			settings.CalculationMode = gridcalc.CalcAutomatic
		case "manual":
			settings.CalculationMode = gridcalc.CalcManual
		default:
			fmt.Println("usage: :mode auto|manual")
			return false
		}
		s.engine.SetCalcSettings(settings)

	case ":calc":
		if err := s.engine.Recalculate(); err != nil {
			fmt.Println(err)
		}

	default:
		fmt.Println("unknown command. Type :help for help.")
	}
	return false
}

func (s *session) handleInput(line string) {
	if target, rhs, ok := splitAssignment(line); ok {
		var err error
		if strings.HasPrefix(rhs, "=") {
			err = s.engine.SetFormula(s.sheet, target, rhs)
		} else {
			err = s.engine.SetValue(s.sheet, target, parseLiteral(rhs))
		}
		if err != nil {
			fmt.Println(err)
		}
		return
	}

	if strings.ContainsRune(line, ':') {
		rows, err := s.engine.GetRangeValues(s.sheet, line)
		if err != nil {
			fmt.Println(err)
			return
		}
		for _, row := range rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = formatValue(v)
			}
			fmt.Println(strings.Join(cells, "\t"))
		}
		return
	}

	value, err := s.engine.GetValue(s.sheet, line)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(formatValue(value))
}

// splitAssignment splits "A1 = rhs" at the first '=' that is an
// assignment, not the start of a formula
func splitAssignment(line string) (target, rhs string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx <= 0 {
		return "", "", false
	}
	target = strings.TrimSpace(line[:idx])
	if strings.ContainsAny(target, " \t:") {
		return "", "", false
	}
	return target, strings.TrimSpace(line[idx+1:]), true
}

// parseLiteral interprets REPL input as a number, boolean, or text
func parseLiteral(s string) gridcalc.Primitive {
	if s == "" {
		return nil
	}
	if num, err := strconv.ParseFloat(s, 64); err == nil {
		return num
	}
	switch strings.ToUpper(s) {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	return strings.Trim(s, `"`)
}

func formatValue(v gridcalc.Primitive) string {
	switch value := v.(type) {
	case nil:
		return "<blank>"
	case *gridcalc.CellError:
		return value.Code()
	case bool:
		if value {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	case gridcalc.DateSerial:
		return strconv.FormatFloat(float64(value), 'g', -1, 64)
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}
