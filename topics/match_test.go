// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/mqttcore/topics"
	"github.com/stretchr/testify/assert"
)

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		desc   string
		filter string
		topic  string
		want   bool
	}{
		{desc: "exact", filter: "home/kitchen", topic: "home/kitchen", want: true},
		{desc: "exact mismatch", filter: "home/kitchen", topic: "home/garage"},
		{desc: "single level", filter: "home/+", topic: "home/kitchen", want: true},
		{desc: "single level needs a level", filter: "home/+", topic: "home"},
		{desc: "single level spans one level", filter: "home/+", topic: "home/kitchen/light"},
		{desc: "multi level", filter: "home/#", topic: "home/kitchen/light", want: true},
		{desc: "multi level matches parent", filter: "home/#", topic: "home", want: true},
		{desc: "multi level alone", filter: "#", topic: "home/kitchen", want: true},
		{desc: "two wildcards", filter: "+/+", topic: "home/kitchen", want: true},
		{desc: "two wildcards too deep", filter: "+/+", topic: "home/kitchen/light"},
		{desc: "single then multi", filter: "+/#", topic: "home", want: true},
		{desc: "empty leading level", filter: "/+", topic: "/home", want: true},
		{desc: "single level against leading slash", filter: "+", topic: "/home"},
		{desc: "empty middle level", filter: "home//light", topic: "home//light", want: true},
		{desc: "single level matches empty level", filter: "home/+/light", topic: "home//light", want: true},
		{desc: "dollar topic exact", filter: "$SYS/broker/clients", topic: "$SYS/broker/clients", want: true},
		{desc: "dollar topic with explicit prefix", filter: "$SYS/#", topic: "$SYS/broker/clients", want: true},
		{desc: "dollar topic single level", filter: "$SYS/+", topic: "$SYS/uptime", want: true},
		{desc: "multi level skips dollar topic", filter: "#", topic: "$SYS/broker/clients"},
		{desc: "single level skips dollar topic", filter: "+/broker/clients", topic: "$SYS/broker/clients"},
		{desc: "empty filter", filter: "", topic: "home"},
		{desc: "empty topic", filter: "home", topic: ""},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, topics.TopicMatch(tc.filter, tc.topic))
		})
	}
}
