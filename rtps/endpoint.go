package rtps

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/liamstask/go-rtps/v2/cdr"
)

// DataWriter publishes samples on one topic. Its methods may be called from
// any goroutine.
type DataWriter struct {
	p    *Participant
	guid GUID
}

// DataReader receives samples of one topic. Its methods may be called from
// any goroutine.
type DataReader struct {
	p      *Participant
	guid   GUID
	notify chan struct{}
}

// Sample is one change handed to the application.
type Sample struct {
	Writer          GUID
	SequenceNumber  SeqNum
	Kind            ChangeKind
	KeyHash         [16]byte
	Payload         []byte
	SourceTimestamp time.Time
}

// Decode unmarshals a CDR encapsulated payload into v.
func (s *Sample) Decode(v interface{}) error {
	return cdr.UnmarshalEncapsulated(s.Payload, v)
}

func sampleFrom(c *CacheChange) Sample {
	return Sample{
		Writer:          c.WriterGUID,
		SequenceNumber:  c.SequenceNumber,
		Kind:            c.Kind,
		KeyHash:         c.KeyHash,
		Payload:         c.Payload,
		SourceTimestamp: c.SourceTimestamp,
	}
}

func checkEndpoint(topic, typeName string, qos QosPolicySet) error {
	if topic == "" || typeName == "" {
		return errors.New("topic and type name are required")
	}
	return errors.Wrap(qos.Validate(), "invalid qos")
}

// NewWriter creates a local writer, announces it and matches it with the
// readers already discovered.
func (p *Participant) NewWriter(topic, typeName string, qos QosPolicySet) (*DataWriter, error) {
	if err := checkEndpoint(topic, typeName, qos); err != nil {
		return nil, err
	}
	var dw *DataWriter
	var werr error
	err := p.do(func(now time.Time) {
		guid := GUID{Prefix: p.prefix, EntityID: p.ids.alloc(ENTITYID_KIND_WRITER_WITH_KEY)}
		w := newWriter(guid, topic, typeName, qos, p.cfg.endpointParams(), p.metrics, p.log)
		ed := &EndpointData{
			GUID:     guid,
			Topic:    topic,
			TypeName: typeName,
			Qos:      qos,
			Unicast:  []Locator{p.userUnicast()},
		}
		if werr = p.sedp.announce(now, ed, &p.out); werr != nil {
			return
		}
		p.writers[guid.EntityID] = w
		p.local[guid] = ed
		for _, remote := range p.db.remoteFor(topic, false) {
			p.tryMatch(now, ed, remote)
		}
		dw = &DataWriter{p: p, guid: guid}
		p.log.WithFields(log.Fields{"writer": guid.String(), "topic": topic}).Info("writer created")
	})
	if err == nil {
		err = werr
	}
	return dw, err
}

// NewReader creates a local reader, announces it and matches it with the
// writers already discovered.
func (p *Participant) NewReader(topic, typeName string, qos QosPolicySet) (*DataReader, error) {
	if err := checkEndpoint(topic, typeName, qos); err != nil {
		return nil, err
	}
	var dr *DataReader
	var rerr error
	err := p.do(func(now time.Time) {
		guid := GUID{Prefix: p.prefix, EntityID: p.ids.alloc(ENTITYID_KIND_READER_WITH_KEY)}
		r := newReader(guid, topic, typeName, qos, p.cfg.endpointParams(), p.metrics, p.log)
		ed := &EndpointData{
			GUID:     guid,
			Topic:    topic,
			TypeName: typeName,
			Qos:      qos,
			Unicast:  []Locator{p.userUnicast()},
		}
		if rerr = p.sedp.announce(now, ed, &p.out); rerr != nil {
			return
		}
		dr = &DataReader{p: p, guid: guid, notify: make(chan struct{}, 1)}
		p.readers[guid.EntityID] = r
		p.dataReaders[guid.EntityID] = dr
		p.local[guid] = ed
		for _, remote := range p.db.remoteFor(topic, true) {
			p.tryMatch(now, ed, remote)
		}
		p.log.WithFields(log.Fields{"reader": guid.String(), "topic": topic}).Info("reader created")
	})
	if err == nil {
		err = rerr
	}
	if err != nil {
		return nil, err
	}
	return dr, nil
}

// closeEndpoint withdraws a local endpoint and reports every match it had
// as ended.
func (p *Participant) closeEndpoint(now time.Time, guid GUID) error {
	if _, ok := p.local[guid]; !ok {
		return ErrUnknownEndpoint
	}
	if err := p.sedp.withdraw(now, guid, &p.out); err != nil {
		p.log.WithError(err).Warn("endpoint withdrawal not announced")
	}
	var remotes []GUID
	if guid.EntityID.isWriter() {
		w := p.writers[guid.EntityID]
		remotes = w.Matched()
		w.Cache().Clear()
		delete(p.writers, guid.EntityID)
	} else {
		r := p.readers[guid.EntityID]
		remotes = r.Matched()
		r.Cache().Clear()
		delete(p.readers, guid.EntityID)
		delete(p.dataReaders, guid.EntityID)
	}
	delete(p.local, guid)
	for _, remote := range remotes {
		p.unmatched(EndpointPair{Local: guid, Remote: remote}, ErrEndpointDisposed)
	}
	return nil
}

func (dw *DataWriter) GUID() GUID {
	return dw.guid
}

func (dw *DataWriter) write(kind ChangeKind, key [16]byte, payload []byte) error {
	if len(payload) > dw.p.cfg.MaxSampleSize {
		return errors.Errorf("sample of %d bytes exceeds max_sample_size", len(payload))
	}
	var werr error
	err := dw.p.do(func(now time.Time) {
		w, ok := dw.p.writers[dw.guid.EntityID]
		if !ok {
			werr = ErrUnknownEndpoint
			return
		}
		_, werr = w.Write(now, kind, key, payload, &dw.p.out)
	})
	if err != nil {
		return err
	}
	return werr
}

// Write publishes a sample of a keyless topic. The payload is not copied
// and must not be modified afterwards.
func (dw *DataWriter) Write(payload []byte) error {
	return dw.write(ChangeAlive, [16]byte{}, payload)
}

// WriteKeyed publishes a sample of the instance identified by key.
func (dw *DataWriter) WriteKeyed(key [16]byte, payload []byte) error {
	return dw.write(ChangeAlive, key, payload)
}

// WriteValue marshals v as little endian CDR and publishes it.
func (dw *DataWriter) WriteValue(v interface{}) error {
	b, err := cdr.MarshalEncapsulated(v, binary.LittleEndian)
	if err != nil {
		return errors.Wrap(err, "marshal sample")
	}
	return dw.Write(b)
}

// Dispose marks an instance as deleted for every reader.
func (dw *DataWriter) Dispose(key [16]byte) error {
	return dw.write(ChangeNotAliveDisposed, key, nil)
}

// Matched returns the readers the writer is currently matched with.
func (dw *DataWriter) Matched() ([]GUID, error) {
	var out []GUID
	var merr error
	err := dw.p.do(func(time.Time) {
		w, ok := dw.p.writers[dw.guid.EntityID]
		if !ok {
			merr = ErrUnknownEndpoint
			return
		}
		out = w.Matched()
	})
	if err != nil {
		return nil, err
	}
	return out, merr
}

// Close deletes the writer. Remote readers are told it is gone.
func (dw *DataWriter) Close() error {
	var cerr error
	err := dw.p.do(func(now time.Time) {
		cerr = dw.p.closeEndpoint(now, dw.guid)
	})
	if err != nil {
		return err
	}
	return cerr
}

func (dr *DataReader) GUID() GUID {
	return dr.guid
}

// Notify is signalled when new samples may be available. Several arrivals
// may collapse into one signal.
func (dr *DataReader) Notify() <-chan struct{} {
	return dr.notify
}

func (dr *DataReader) signal() {
	select {
	case dr.notify <- struct{}{}:
	default:
	}
}

func (dr *DataReader) collect(take bool) ([]Sample, error) {
	var out []Sample
	var rerr error
	err := dr.p.do(func(time.Time) {
		r, ok := dr.p.readers[dr.guid.EntityID]
		if !ok {
			rerr = ErrUnknownEndpoint
			return
		}
		var cs []*CacheChange
		if take {
			cs = r.Take()
		} else {
			cs = r.Read()
		}
		out = make([]Sample, 0, len(cs))
		for _, c := range cs {
			out = append(out, sampleFrom(c))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, rerr
}

// Take removes and returns the samples ready for delivery.
func (dr *DataReader) Take() ([]Sample, error) {
	return dr.collect(true)
}

// Read returns the samples ready for delivery and leaves them in place.
func (dr *DataReader) Read() ([]Sample, error) {
	return dr.collect(false)
}

// Matched returns the writers the reader is currently matched with.
func (dr *DataReader) Matched() ([]GUID, error) {
	var out []GUID
	var merr error
	err := dr.p.do(func(time.Time) {
		r, ok := dr.p.readers[dr.guid.EntityID]
		if !ok {
			merr = ErrUnknownEndpoint
			return
		}
		out = r.Matched()
	})
	if err != nil {
		return nil, err
	}
	return out, merr
}

// Close deletes the reader. Remote writers are told it is gone.
func (dr *DataReader) Close() error {
	var cerr error
	err := dr.p.do(func(now time.Time) {
		cerr = dr.p.closeEndpoint(now, dr.guid)
	})
	if err != nil {
		return err
	}
	return cerr
}
