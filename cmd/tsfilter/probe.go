package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"

	"github.com/zsiec/tsfilter/internal/mpegts"
)

type streamReport struct {
	PID        uint16 `json:"pid"`
	StreamType uint8  `json:"streamType"`
	PES        int    `json:"pes"`
}

type programReport struct {
	Number  uint16         `json:"number"`
	PMTPID  uint16         `json:"pmtPid"`
	PCRPID  uint16         `json:"pcrPid"`
	Streams []streamReport `json:"streams"`
}

type report struct {
	TransportStreamID uint16           `json:"transportStreamId"`
	Programs          []*programReport `json:"programs"`
	PES               map[uint16]int   `json:"-"`
}

// probe demuxes an aligned stream and summarizes its programs.
func probe(ctx context.Context, r io.Reader, log *slog.Logger) (*report, error) {
	rep := &report{PES: make(map[uint16]int)}
	pmtVersions := make(map[uint16]uint8)
	programs := make(map[uint16]*programReport)

	dmx := mpegts.NewDemuxer(ctx, r)
	for {
		d, err := dmx.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rep, err
		}

		switch {
		case d.PAT != nil:
			rep.TransportStreamID = d.PAT.TransportStreamID
			for _, p := range d.PAT.Programs {
				if p.ProgramNumber == 0 {
					continue // NIT
				}
				if _, ok := programs[p.ProgramNumber]; !ok {
					programs[p.ProgramNumber] = &programReport{Number: p.ProgramNumber, PMTPID: p.ProgramMapID}
					log.Info("program", "number", p.ProgramNumber, "pmt_pid", p.ProgramMapID)
				}
			}
		case d.PMT != nil:
			prog, ok := programs[d.PMT.ProgramNumber]
			if !ok {
				continue
			}
			if v, seen := pmtVersions[d.PMT.ProgramNumber]; seen && v == d.PMT.Version {
				continue
			}
			pmtVersions[d.PMT.ProgramNumber] = d.PMT.Version
			prog.PCRPID = d.PMT.PCRPID
			prog.Streams = prog.Streams[:0]
			for _, es := range d.PMT.ElementaryStreams {
				prog.Streams = append(prog.Streams, streamReport{PID: es.ElementaryPID, StreamType: es.StreamType})
				log.Info("elementary stream", "program", prog.Number,
					"pid", es.ElementaryPID, "stream_type", es.StreamType)
			}
		case d.PES != nil && d.FirstPacket != nil:
			rep.PES[d.FirstPacket.Header.PID]++
		}
	}

	for _, prog := range programs {
		for i := range prog.Streams {
			prog.Streams[i].PES = rep.PES[prog.Streams[i].PID]
		}
		rep.Programs = append(rep.Programs, prog)
	}
	sort.Slice(rep.Programs, func(i, j int) bool { return rep.Programs[i].Number < rep.Programs[j].Number })
	return rep, nil
}

func (r *report) write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
