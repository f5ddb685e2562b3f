package tlsmsg

// ClientHello is the first flight of a full handshake.
type ClientHello struct {
	Version            uint16
	Random             [32]byte
	SessionID          []byte
	CipherSuites       []uint16
	CompressionMethods []uint8
	ServerName         string // extension 0, if present
}

func (m *ClientHello) Marshal() []byte {
	var w writer
	w.uint16(m.Version)
	w.raw(m.Random[:])
	w.bytes8(m.SessionID)

	var suites writer
	for _, s := range m.CipherSuites {
		suites.uint16(s)
	}
	w.bytes16(suites.b)
	w.bytes8(m.CompressionMethods)

	var ext writer
	if m.ServerName != "" {
		var sni writer
		sni.byte(0) // host_name
		sni.bytes16([]byte(m.ServerName))
		var sniList writer
		sniList.bytes16(sni.b)
		ext.uint16(0) // extension type server_name
		ext.bytes16(sniList.b)
	}
	if len(ext.b) > 0 {
		w.bytes16(ext.b)
	}
	return w.b
}

func (m *ClientHello) Unmarshal(body []byte) bool {
	r := newReader(body)
	v, ok := r.uint16()
	if !ok {
		return false
	}
	m.Version = v
	rnd, ok := r.bytes(32)
	if !ok {
		return false
	}
	copy(m.Random[:], rnd)
	sid, ok := r.bytes8()
	if !ok {
		return false
	}
	m.SessionID = sid
	suites, ok := r.bytes16()
	if !ok {
		return false
	}
	sr := newReader(suites)
	for !sr.done() {
		s, ok := sr.uint16()
		if !ok {
			return false
		}
		m.CipherSuites = append(m.CipherSuites, s)
	}
	comp, ok := r.bytes8()
	if !ok {
		return false
	}
	m.CompressionMethods = comp
	if r.done() {
		return true // no extensions
	}
	extBlock, ok := r.bytes16()
	if !ok {
		return true // extensions absent/malformed is tolerated here
	}
	er := newReader(extBlock)
	for !er.done() {
		extType, ok := er.uint16()
		if !ok {
			break
		}
		extBody, ok := er.bytes16()
		if !ok {
			break
		}
		if extType == 0 {
			snr := newReader(extBody)
			if list, ok := snr.bytes16(); ok {
				lr := newReader(list)
				if _, ok := lr.byte(); ok {
					if name, ok := lr.bytes16(); ok {
						m.ServerName = string(name)
					}
				}
			}
		}
	}
	return true
}

// ServerHello is the server's response flight.
type ServerHello struct {
	Version           uint16
	Random            [32]byte
	SessionID         []byte
	CipherSuite       uint16
	CompressionMethod uint8
}

func (m *ServerHello) Marshal() []byte {
	var w writer
	w.uint16(m.Version)
	w.raw(m.Random[:])
	w.bytes8(m.SessionID)
	w.uint16(m.CipherSuite)
	w.byte(m.CompressionMethod)
	return w.b
}

func (m *ServerHello) Unmarshal(body []byte) bool {
	r := newReader(body)
	v, ok := r.uint16()
	if !ok {
		return false
	}
	m.Version = v
	rnd, ok := r.bytes(32)
	if !ok {
		return false
	}
	copy(m.Random[:], rnd)
	sid, ok := r.bytes8()
	if !ok {
		return false
	}
	m.SessionID = sid
	cs, ok := r.uint16()
	if !ok {
		return false
	}
	m.CipherSuite = cs
	cm, ok := r.byte()
	if !ok {
		return false
	}
	m.CompressionMethod = cm
	return true
}

// Certificate carries a chain of DER-encoded X.509 certificates.
type Certificate struct {
	Chain [][]byte
}

func (m *Certificate) Marshal() []byte {
	var list writer
	for _, c := range m.Chain {
		list.bytes24(c)
	}
	var w writer
	w.bytes24(list.b)
	return w.b
}

func (m *Certificate) Unmarshal(body []byte) bool {
	r := newReader(body)
	list, ok := r.bytes24()
	if !ok {
		return false
	}
	lr := newReader(list)
	for !lr.done() {
		c, ok := lr.bytes24()
		if !ok {
			return false
		}
		m.Chain = append(m.Chain, c)
	}
	return true
}

// ServerHelloDone has an empty body.
type ServerHelloDone struct{}

func (m *ServerHelloDone) Marshal() []byte        { return nil }
func (m *ServerHelloDone) Unmarshal(body []byte) bool { return len(body) == 0 }

// CertificateRequest.
type CertificateRequest struct {
	CertificateTypes            []uint8
	SupportedSignatureAlgorithms []uint16 // TLS 1.2 only
	CertificateAuthorities      [][]byte
	HasSignatureAlgorithms      bool
}

func (m *CertificateRequest) Marshal(tls12 bool) []byte {
	var w writer
	w.bytes8(m.CertificateTypes)
	if tls12 {
		var sa writer
		for _, a := range m.SupportedSignatureAlgorithms {
			sa.uint16(a)
		}
		w.bytes16(sa.b)
	}
	var cas writer
	for _, ca := range m.CertificateAuthorities {
		cas.bytes16(ca)
	}
	w.bytes16(cas.b)
	return w.b
}

func (m *CertificateRequest) Unmarshal(body []byte, tls12 bool) bool {
	r := newReader(body)
	types, ok := r.bytes8()
	if !ok {
		return false
	}
	m.CertificateTypes = types
	if tls12 {
		sa, ok := r.bytes16()
		if !ok {
			return false
		}
		m.HasSignatureAlgorithms = true
		sr := newReader(sa)
		for !sr.done() {
			v, ok := sr.uint16()
			if !ok {
				return false
			}
			m.SupportedSignatureAlgorithms = append(m.SupportedSignatureAlgorithms, v)
		}
	}
	cas, ok := r.bytes16()
	if !ok {
		return false
	}
	cr := newReader(cas)
	for !cr.done() {
		ca, ok := cr.bytes16()
		if !ok {
			return false
		}
		m.CertificateAuthorities = append(m.CertificateAuthorities, ca)
	}
	return true
}
