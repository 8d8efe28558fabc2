package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelmon/kestrel-go/internal/event"
)

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := Fingerprint(1, map[string]string{"ip": "10.0.0.1", "biz_id": "2"}, event.SeverityFatal, "system.load")
	b := Fingerprint(1, map[string]string{"biz_id": "2", "ip": "10.0.0.1"}, event.SeverityFatal, "system.load")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFingerprintDistinguishesIdentity(t *testing.T) {
	base := Fingerprint(1, map[string]string{"ip": "10.0.0.1"}, event.SeverityFatal, "system.load")

	assert.NotEqual(t, base, Fingerprint(2, map[string]string{"ip": "10.0.0.1"}, event.SeverityFatal, "system.load"))
	assert.NotEqual(t, base, Fingerprint(1, map[string]string{"ip": "10.0.0.2"}, event.SeverityFatal, "system.load"))
	assert.NotEqual(t, base, Fingerprint(1, map[string]string{"ip": "10.0.0.1"}, event.SeverityWarning, "system.load"))
	assert.NotEqual(t, base, Fingerprint(1, map[string]string{"ip": "10.0.0.1"}, event.SeverityFatal, "system.mem"))
}

func TestShardOfIsStable(t *testing.T) {
	fp := Fingerprint(1, map[string]string{"ip": "10.0.0.1"}, event.SeverityFatal, "system.load")
	s := shardOf(fp, 8)
	assert.Equal(t, s, shardOf(fp, 8))
	assert.GreaterOrEqual(t, s, 0)
	assert.Less(t, s, 8)
}
