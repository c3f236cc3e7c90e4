package mls

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func benchGroups(b *testing.B, suite CipherSuite, n int) []*Group {
	keys := make([]*ClientKeys, n)
	invitees := []KeyPackage{}
	for i := range keys {
		var err error
		keys[i], err = NewClientKeys(suite, []byte(fmt.Sprintf("bench-%d", i)))
		require.Nil(b, err)
		if i > 0 {
			invitees = append(invitees, keys[i].KeyPackage)
		}
	}

	groups := make([]*Group, n)
	g, welcome, err := CreateGroup([]byte("bench"), keys[0], invitees)
	require.Nil(b, err)
	groups[0] = g

	for i := 1; i < n; i++ {
		groups[i], err = JoinGroup(welcome, keys[i])
		require.Nil(b, err)
	}
	return groups
}

func BenchmarkProtect(b *testing.B) {
	pt := make([]byte, 100)

	b.Run("protect", func(b *testing.B) {
		groups := benchGroups(b, X25519_AES128GCM_SHA256_Ed25519, 2)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			rand.Read(pt)
			_, err := groups[0].Encrypt(pt, nil)
			require.Nil(b, err)
		}
	})

	b.Run("unprotect", func(b *testing.B) {
		groups := benchGroups(b, X25519_AES128GCM_SHA256_Ed25519, 2)
		msgs := make([]*MLSMessage, b.N)
		for i := range msgs {
			rand.Read(pt)
			var err error
			msgs[i], err = groups[0].Encrypt(pt, nil)
			require.Nil(b, err)
		}

		b.ResetTimer()

		for _, msg := range msgs {
			_, err := groups[1].Decrypt(msg)
			require.Nil(b, err)
		}
	})
}

func BenchmarkCommit(b *testing.B) {
	for _, n := range []int{2, 8, 32} {
		b.Run(fmt.Sprintf("rotate/%d", n), func(b *testing.B) {
			groups := benchGroups(b, X25519_AES128GCM_SHA256_Ed25519, n)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				msg, _, err := groups[0].Commit(CommitOptions{Rotate: true})
				require.Nil(b, err)

				b.StopTimer()
				for _, g := range groups[1:] {
					require.Nil(b, g.ApplyCommit(msg))
				}
				b.StartTimer()
			}
		})
	}
}
