// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/mqttcore/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	cases := []struct {
		desc    string
		raw     string
		want    topics.Filter
		wantErr bool
	}{
		{
			desc: "plain filter",
			raw:  "sensors/#",
			want: topics.Filter{Raw: "sensors/#", Kind: topics.KindNone, Topic: "sensors/#"},
		},
		{
			desc: "shared subscription",
			raw:  "$share/group1/sensors/#",
			want: topics.Filter{Raw: "$share/group1/sensors/#", Kind: topics.KindShare, Group: "group1", Topic: "sensors/#"},
		},
		{
			desc: "shared with single level wildcard",
			raw:  "$share/consumers/home/+/temperature",
			want: topics.Filter{Raw: "$share/consumers/home/+/temperature", Kind: topics.KindShare, Group: "consumers", Topic: "home/+/temperature"},
		},
		{
			desc: "queue subscription",
			raw:  "$queue/jobs/+",
			want: topics.Filter{Raw: "$queue/jobs/+", Kind: topics.KindQueue, Topic: "jobs/+"},
		},
		{
			desc: "sys topic is not shared",
			raw:  "$SYS/#",
			want: topics.Filter{Raw: "$SYS/#", Kind: topics.KindNone, Topic: "$SYS/#"},
		},
		{desc: "share without topic", raw: "$share/group1", wantErr: true},
		{desc: "share with empty topic", raw: "$share/group1/", wantErr: true},
		{desc: "share with empty group", raw: "$share//a", wantErr: true},
		{desc: "share group with wildcard", raw: "$share/g+/a", wantErr: true},
		{desc: "queue with empty topic", raw: "$queue/", wantErr: true},
		{desc: "invalid inner filter", raw: "$share/g/a/#/b", wantErr: true},
		{desc: "invalid plain filter", raw: "a+", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f, err := topics.ParseFilter(tc.raw)
			if tc.wantErr {
				assert.ErrorIs(t, err, topics.ErrInvalidTopicFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, f)
			assert.Equal(t, tc.want.Kind != topics.KindNone, f.Shared())
			assert.Equal(t, f.Shared(), topics.IsShared(tc.raw))
		})
	}
}
