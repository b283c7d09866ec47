// Command gen-ais generates synthetic AIS position reports for testing the
// replay pipeline. Each vessel steams a straight course with mild noise; the
// -anomalies flag injects faults that the detection rules should flag.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

var anomalyKinds = []string{"teleport", "turn", "accel", "heading", "stuck", "bounds"}

func main() {
	output := flag.String("o", "synthetic.csv", "output path (.csv or .csv.zst)")
	vessels := flag.Int("vessels", 5, "number of vessels")
	minutes := flag.Int("minutes", 60, "duration of the recording in source minutes")
	interval := flag.Int("interval", 30, "seconds between reports per vessel")
	seed := flag.Int64("seed", 1, "random seed")
	anomalies := flag.String("anomalies", "teleport,turn,accel", "comma-separated anomaly kinds to inject (teleport, turn, accel, heading, stuck, bounds)")
	rate := flag.Float64("rate", 0.02, "per-report probability of injecting an anomaly")
	flag.Parse()

	kinds, err := parseKinds(*anomalies)
	if err != nil {
		log.Fatal(err)
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create output: %v", err)
	}
	defer f.Close()

	var w io.Writer = f
	if strings.HasSuffix(*output, ".zst") {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			log.Fatalf("open zstd writer: %v", err)
		}
		defer zw.Close()
		w = zw
	}

	rng := rand.New(rand.NewSource(*seed))
	n, injected := generate(csv.NewWriter(w), rng, *vessels, *minutes, *interval, kinds, *rate)
	log.Printf("✓ Created %s: %d reports, %d anomalies injected", *output, n, injected)
}

func parseKinds(s string) ([]string, error) {
	var kinds []string
	for _, k := range strings.Split(s, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		found := false
		for _, known := range anomalyKinds {
			if k == known {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown anomaly kind %q (known: %s)", k, strings.Join(anomalyKinds, ", "))
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// vessel is a simple constant-velocity track with per-report jitter.
type vessel struct {
	mmsi     string
	lat, lon float64
	sog      float64 // knots
	cog      float64 // degrees true
	stuck    int     // remaining reports pinned in place
}

func generate(cw *csv.Writer, rng *rand.Rand, nVessels, minutes, interval int, kinds []string, rate float64) (reports, injected int) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	fleet := make([]*vessel, nVessels)
	for i := range fleet {
		fleet[i] = &vessel{
			mmsi: fmt.Sprintf("3670%05d", 10000+i),
			lat:  40.0 + rng.Float64()*2,
			lon:  -71.0 + rng.Float64()*2,
			sog:  8 + rng.Float64()*10,
			cog:  rng.Float64() * 360,
		}
	}

	cw.Write([]string{"mmsi", "timestamp", "lat", "lon", "sog", "cog", "heading"})
	steps := minutes * 60 / interval
	for step := 0; step < steps; step++ {
		ts := start.Add(time.Duration(step*interval) * time.Second)
		for _, v := range fleet {
			lat, lon, sog, cog, heading := v.advance(rng, interval)
			if len(kinds) > 0 && rng.Float64() < rate {
				kind := kinds[rng.Intn(len(kinds))]
				lat, lon, sog, cog, heading = v.corrupt(rng, kind, lat, lon, sog, cog, heading)
				injected++
			}
			cw.Write([]string{
				v.mmsi,
				ts.Format(time.RFC3339),
				fmt.Sprintf("%.6f", lat),
				fmt.Sprintf("%.6f", lon),
				fmt.Sprintf("%.1f", sog),
				fmt.Sprintf("%.1f", cog),
				fmt.Sprintf("%.0f", heading),
			})
			reports++
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		log.Fatalf("write output: %v", err)
	}
	return reports, injected
}

// advance moves the vessel one reporting interval along its course.
func (v *vessel) advance(rng *rand.Rand, interval int) (lat, lon, sog, cog, heading float64) {
	if v.stuck > 0 {
		v.stuck--
	} else {
		distNM := v.sog * float64(interval) / 3600
		rad := v.cog * math.Pi / 180
		v.lat += distNM / 60 * math.Cos(rad)
		v.lon += distNM / 60 * math.Sin(rad) / math.Cos(v.lat*math.Pi/180)
		v.cog = math.Mod(v.cog+rng.NormFloat64()*2+360, 360)
		v.sog = math.Max(0, v.sog+rng.NormFloat64()*0.3)
	}
	return v.lat, v.lon, v.sog, v.cog, math.Mod(v.cog+rng.NormFloat64()+360, 360)
}

// corrupt rewrites one report to simulate a transponder or feed fault. The
// vessel's own state is left intact unless the fault is sticky.
func (v *vessel) corrupt(rng *rand.Rand, kind string, lat, lon, sog, cog, heading float64) (float64, float64, float64, float64, float64) {
	switch kind {
	case "teleport":
		lat += 0.5 + rng.Float64()
		lon += 0.5 + rng.Float64()
	case "turn":
		cog = math.Mod(cog+120+rng.Float64()*120, 360)
		heading = cog
	case "accel":
		sog += 25 + rng.Float64()*20
	case "heading":
		heading = math.Mod(cog+150+rng.Float64()*60, 360)
	case "stuck":
		v.stuck = 3 + rng.Intn(5)
	case "bounds":
		lat = 91 + rng.Float64()*5
	}
	return lat, lon, sog, cog, heading
}
