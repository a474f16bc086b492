// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-cryptohome.
//
// go-cryptohome is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintStatus prints one session's mount status
func (p *Printer) PrintStatus(status mount.Status) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(status)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "Username:     %s\n", status.Username)
		fmt.Fprintf(p.writer, "State:        %s\n", status.State)
		fmt.Fprintf(p.writer, "Mount type:   %s\n", status.Type)
		if status.KeysetIndex >= 0 {
			fmt.Fprintf(p.writer, "Keyset index: %d\n", status.KeysetIndex)
		}
		if status.Recreated {
			fmt.Fprintln(p.writer, "Vault was recreated after unrecoverable key loss")
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintKeysets prints the user's keyset slots and labels
func (p *Printer) PrintKeysets(indices []int, labels []string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"keysets": indices,
			"labels":  labels,
		})
	case OutputFormatTable:
		if len(indices) == 0 {
			fmt.Fprintln(p.writer, "No keysets found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-8s %-30s\n", "INDEX", "LABEL")
		fmt.Fprintln(p.writer, strings.Repeat("-", 39))
		for i, index := range indices {
			label := ""
			if i < len(labels) {
				label = labels[i]
			}
			fmt.Fprintf(p.writer, "%-8d %-30s\n", index, label)
		}
		return nil
	case OutputFormatText:
		if len(indices) == 0 {
			fmt.Fprintln(p.writer, "No keysets found")
			return nil
		}
		for i, index := range indices {
			label := ""
			if i < len(labels) {
				label = labels[i]
			}
			fmt.Fprintf(p.writer, "  keyset %d: %s\n", index, label)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintMessage prints a plain result message
func (p *Printer) PrintMessage(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"message": message,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"error": err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// printJSON marshals v with indentation
func (p *Printer) printJSON(v interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
