package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/alan-christopher/qlaib/qlaib"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// report prints the final metric results and the engine's per-pair and
// per-channel counters.
func report(w io.Writer, p *qlaib.Pipeline) {
	mt := newTable(w, "Metrics")
	mt.AppendHeader(table.Row{"Name", "Value", "Count", "Extras"})
	for _, r := range p.Registry().Snapshot() {
		value := "undefined"
		if r.Defined {
			value = strconv.FormatFloat(r.Value, 'g', 6, 64)
		}
		keys := make([]string, 0, len(r.Extras))
		for k := range r.Extras {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		extras := ""
		for _, k := range keys {
			if extras != "" {
				extras += " "
			}
			extras += fmt.Sprintf("%s=%.4g", k, r.Extras[k])
		}
		mt.AppendRow(table.Row{r.Name, value, r.Count, extras})
	}
	mt.Render()

	st := p.Stats()
	pt := newTable(w, "Pairs")
	pt.AppendHeader(table.Row{"Label", "Matched", "Pending", "Halted"})
	for _, ps := range st.Engine.Pairs {
		pt.AppendRow(table.Row{ps.Label, ps.Matched, ps.Pending, ps.Halted})
	}
	pt.AppendFooter(table.Row{"Total", st.Engine.Coincidences, "", ""})
	pt.Render()

	ct := newTable(w, "Channels")
	ct.AppendHeader(table.Row{"Channel", "Batches", "Events", "Rejected", "Evicted", "Halted"})
	for _, cs := range st.Engine.Channels {
		ct.AppendRow(table.Row{cs.Channel, cs.Batches, cs.Events, cs.Rejected, cs.Evicted, cs.Halted})
	}
	ct.AppendFooter(table.Row{"Batches produced", st.Produced, "", "", "", ""})
	ct.Render()
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
	})
	return t
}
