/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// netgrad reads a JSON-serialized forward net, generates the backward pass for the
// requested blobs and reports (or saves) the result.
//
// Example:
//
//	netgrad -grad loss -summary -map mlp.json
//	netgrad -grad "out=out_grad" -o with_gradients.json mlp.json
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/netgrad/gradients"
	"github.com/gomlx/netgrad/netdef"
)

var (
	flagGrad = flag.String("grad", "", "Comma-separated list of blobs to back-propagate from. "+
		"Each entry is either a blob name (an all-ones gradient seed is generated for it) or "+
		"blob=gradient_blob to seed from an existing gradient blob.")
	flagOutput = flag.String("o", "", "Write the net, with the gradient ops appended, to this file. "+
		"Use '-' for stdout.")
	flagSummary = flag.Bool("summary", false, "Display a summary table of the forward and backward op counts.")
	flagMap     = flag.Bool("map", false, "Display the blob to gradient mapping.")
	flagOps     = flag.Bool("ops", true, "Display the generated gradient ops.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing net file to read from. See 'netgrad -help'.")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'netgrad -help'.")
		os.Exit(1)
	}
	if *flagGrad == "" {
		klog.Errorf("No gradients requested, use -grad. See 'netgrad -help'.")
		os.Exit(1)
	}
	run(args[0])
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// parseRequests parses the -grad flag: "loss,out=out_grad" becomes two requests, the
// first with an auto-generated seed.
func parseRequests(spec string) []gradients.GradientRequest {
	var requests []gradients.GradientRequest
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		blob, grad, seeded := strings.Cut(entry, "=")
		req := gradients.GradientRequest{Blob: strings.TrimSpace(blob)}
		if seeded {
			req.Grad = gradients.Dense(strings.TrimSpace(grad))
		}
		requests = append(requests, req)
	}
	return requests
}

func run(netPath string) {
	f := must.M1(os.Open(netPath))
	net := must.M1(netdef.Load(f))
	must.M(f.Close())

	forwardOps := len(net.Ops)
	requests := parseRequests(*flagGrad)
	grads := must.M1(gradients.AddGradientOperators(net, requests))
	gradOps := net.Ops[forwardOps:]

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false)
		table.Row("net", netPath)
		if net.Name != "" {
			table.Row("name", net.Name)
		}
		table.Row("# forward ops", humanize.Comma(int64(forwardOps)))
		table.Row("# gradient ops", humanize.Comma(int64(len(gradOps))))
		table.Row("# blobs with gradients", humanize.Comma(int64(len(grads))))
		fmt.Println(table.Render())
	}

	if *flagOps {
		fmt.Println(titleStyle.Render("Gradient Ops"))
		table := newPlainTable(true)
		table.Row("Type", "Inputs", "Outputs", "Device")
		for _, op := range gradOps {
			device := ""
			if op.Device != nil {
				device = op.Device.String()
			}
			table.Row(op.Type, strings.Join(op.Inputs, ", "), strings.Join(op.Outputs, ", "), device)
		}
		fmt.Println(table.Render())
	}

	if *flagMap {
		fmt.Println(titleStyle.Render("Blob Gradients"))
		blobs := make([]string, 0, len(grads))
		for blob := range grads {
			blobs = append(blobs, blob)
		}
		sort.Strings(blobs)
		table := newPlainTable(true)
		table.Row("Blob", "Gradient")
		for _, blob := range blobs {
			table.Row(blob, grads[blob].String())
		}
		fmt.Println(table.Render())
	}

	if *flagOutput != "" {
		if *flagOutput == "-" {
			must.M(net.Write(os.Stdout))
			return
		}
		out := must.M1(os.Create(*flagOutput))
		must.M(net.Write(out))
		must.M(out.Close())
	}
}
