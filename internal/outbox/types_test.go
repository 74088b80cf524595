package outbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusOrder(t *testing.T) {
	t.Parallel()

	all := AllStatuses()
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1], all[i])
	}
	require.Equal(t, StatusError, all[0])
	require.Equal(t, StatusRead, all[len(all)-1])
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(StatusDelivered)
	require.NoError(t, err)
	require.Equal(t, `"delivered"`, string(b))

	cases := []struct {
		in   string
		want Status
		ok   bool
	}{
		{`"read"`, StatusRead, true},
		{`" Pending "`, StatusPending, true},
		{`2`, StatusSent, true},
		{`0`, StatusError, true},
		{`9`, 0, false},
		{`"lost"`, 0, false},
		{`{}`, 0, false},
	}
	for _, tc := range cases {
		var s Status
		err := json.Unmarshal([]byte(tc.in), &s)
		if !tc.ok {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, s, tc.in)
	}
	require.Equal(t, "status(7)", Status(7).String())
}

func TestKind(t *testing.T) {
	t.Parallel()

	require.False(t, KindText.IsMedia())
	require.True(t, KindDocument.IsMedia())
	require.False(t, Kind("sticker").Valid())
	require.False(t, Kind("sticker").IsMedia())
}

func TestRecipient(t *testing.T) {
	t.Parallel()

	m := Message{RecipientKind: "customer", RecipientID: "42", RecipientAddress: "5515999998888"}
	r := m.Recipient()
	require.True(t, r.IsEntity())
	require.Equal(t, "customer:42", r.String())

	raw := Recipient{Address: "5515999998888"}
	require.False(t, raw.IsEntity())
	require.Equal(t, "5515999998888", raw.String())
}
