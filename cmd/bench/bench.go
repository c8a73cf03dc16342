// bench.go runs a synthetic acquisition for each entry in the cartesian
// product of a collection of different tuning parameters, e.g. pair rate and
// coincidence window, and outputs a CSV of relevant statistics for each
// different combination, e.g. throughput and observed error rate.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/alan-christopher/qlaib/qlaib"
	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/alan-christopher/qlaib/qlaib/metrics"
	"github.com/alan-christopher/qlaib/qlaib/source"
	"github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
	flag "github.com/spf13/pflag"
)

var (
	rate       = flag.Float64Slice("rate", []float64{1e4}, "The mean pairs per second of each emitter.")
	background = flag.Float64Slice("background", []float64{1e3}, "The uncorrelated singles per second on every channel.")
	jitter     = flag.Float64Slice("jitter", []float64{50}, "The standard deviation, in ticks, of the partner detection time.")
	window     = flag.IntSlice("window", []int{1000}, "The coincidence window, in ticks.")
	errProb    = flag.Float64Slice("errProb", []float64{0.02}, "The probability that a partner photon lands in the wrong channel.")
	frames     = flag.IntSlice("frames", []int{100}, "The frames to acquire per run.")
	exposure   = flag.Duration("exposure", 10*time.Millisecond, "The span of a frame.")
	format     = flag.String("format", "csv", "Output format: csv or table.")
)

var (
	inputs = []string{"rate", "background", "jitter", "window", "errProb", "frames"}
	// TODO: consider using reflection to pull this out of the Experiment data
	//   type.
	columns = []string{"Rate", "Background", "Jitter", "Window", "ErrProb", "Frames",
		"Batches", "Events", "Coincidences", "Seconds", "EventsPerSecond",
		"QBER", "Visibility", "Succeeded"}
)

// An Experiment packages together the result of benchmarking a single
// parameterization for easy formatting.
type Experiment struct {
	// Fields corresponding to experiment parameters
	Rate, Background float64
	Jitter           float64
	Window           int
	ErrProb          float64
	Frames           int

	// Fields corresponding to experiment results
	Batches         uint64
	Events          uint64
	Coincidences    uint64
	Seconds         float64
	EventsPerSecond float64
	QBER            float64
	Visibility      float64
	Succeeded       bool
}

func main() {
	flag.Parse()
	var args [][]interface{}
	for _, inp := range inputs {
		args = append(args, lookupInput(inp))
	}
	var exps []*Experiment
	applyCartesian(func(args []interface{}) {
		exp := &Experiment{
			Rate:       args[inpIndex("rate")].(float64),
			Background: args[inpIndex("background")].(float64),
			Jitter:     args[inpIndex("jitter")].(float64),
			Window:     args[inpIndex("window")].(int),
			ErrProb:    args[inpIndex("errProb")].(float64),
			Frames:     args[inpIndex("frames")].(int),
		}
		if err := bench(exp); err != nil {
			log.Error("Benching", "experiment", fmt.Sprintf("%+v", *exp), "err", err)
		}
		exps = append(exps, exp)
	}, args)

	switch *format {
	case "table":
		writeTable(exps)
	case "csv":
		fmt.Println(header())
		tmpl := template.Must(template.New("line").Parse(lineTmpl()))
		for _, exp := range exps {
			if err := tmpl.Execute(os.Stdout, exp); err != nil {
				log.Fatal("BUG: could not fill in line template", "err", err)
			}
		}
	default:
		log.Fatal("Unknown format", "format", *format)
	}
}

func inpIndex(v string) int {
	for i, inp := range inputs {
		if inp == v {
			return i
		}
	}
	return -1
}

func bench(exp *Experiment) error {
	var emitters []source.PairEmitter
	for i, alt := range []int{data.BobV, data.BobH, data.BobA, data.BobD} {
		emitters = append(emitters, source.PairEmitter{
			ChannelA:  data.AliceH + i,
			ChannelB:  data.BobH + i,
			Rate:      exp.Rate,
			Jitter:    exp.Jitter,
			ErrorProb: exp.ErrProb,
			AltB:      alt,
		})
	}
	src := source.NewSynthetic(source.SyntheticOpts{Pairs: emitters, Frames: exp.Frames})
	p, err := qlaib.NewPipeline(qlaib.PipelineOpts{
		Source: src,
		Backend: data.BackendConfig{
			Channels:   8,
			Resolution: 1e-12,
			Exposure:   *exposure,
			EventRate:  exp.Background,
			Seed:       42,
		},
		Pairs:   data.DefaultPairs(int64(exp.Window)),
		Metrics: metrics.DefaultSpecs(),
		// Metrics must see everything for the error rate to be meaningful.
		MetricQueue: qlaib.DefaultEngineQueue,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.Run(context.Background())
	exp.Seconds = time.Since(start).Seconds()

	st := p.Stats()
	exp.Batches = st.Produced
	exp.Coincidences = st.Coincidences
	for _, cs := range st.Engine.Channels {
		exp.Events += cs.Events
	}
	if exp.Seconds > 0 {
		exp.EventsPerSecond = float64(exp.Events) / exp.Seconds
	}
	if r, gerr := p.Registry().Get("qber_hv"); gerr == nil && r.Defined {
		exp.QBER = r.Value
	}
	if r, gerr := p.Registry().Get("visibility_hv"); gerr == nil && r.Defined {
		exp.Visibility = r.Value
	}
	exp.Succeeded = err == nil
	return err
}

func header() string {
	return strings.Join(columns, ", ")
}

func lineTmpl() string {
	var els []string
	for _, c := range columns {
		els = append(els, "{{."+c+"}}")
	}
	return strings.Join(els, ", ") + "\n"
}

func writeTable(exps []*Experiment) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	var hdr table.Row
	for _, c := range columns {
		hdr = append(hdr, c)
	}
	t.AppendHeader(hdr)
	for _, e := range exps {
		t.AppendRow(table.Row{e.Rate, e.Background, e.Jitter, e.Window, e.ErrProb, e.Frames,
			e.Batches, e.Events, e.Coincidences, fmt.Sprintf("%.3f", e.Seconds),
			fmt.Sprintf("%.0f", e.EventsPerSecond), fmt.Sprintf("%.4f", e.QBER),
			fmt.Sprintf("%.4f", e.Visibility), e.Succeeded})
	}
	t.Render()
}

func lookupInput(name string) []interface{} {
	var r []interface{}
	if v, err := flag.CommandLine.GetIntSlice(name); err == nil {
		for _, val := range v {
			r = append(r, val)
		}
	} else if v, err := flag.CommandLine.GetFloat64Slice(name); err == nil {
		for _, val := range v {
			r = append(r, val)
		}
	} else {
		log.Fatal("Unknown type for input", "input", name)
	}
	return r
}

func applyCartesian(f func([]interface{}), args [][]interface{}) {
	for i := range args {
		if len(args[i]) == 1 {
			continue
		}
		l := make([][]interface{}, len(args))
		r := make([][]interface{}, len(args))
		copy(l, args)
		copy(r, args)
		l[i] = args[i][:1]
		r[i] = args[i][1:]
		applyCartesian(f, l)
		applyCartesian(f, r)
		return
	}
	x := make([]interface{}, 0, len(args))
	for _, a := range args {
		x = append(x, a[0])
	}
	f(x)
}
