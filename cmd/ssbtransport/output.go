package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/ssbtransport"
)

const (
	outputText = "text"
	outputYAML = "yaml"
)

type serviceView struct {
	Name      string `yaml:"name"`
	ServiceID int64  `yaml:"service_id"`
	Queue     string `yaml:"queue"`
	QueueID   int64  `yaml:"queue_id"`
}

func newServiceView(info ssbtransport.ServiceInfo) serviceView {
	return serviceView{
		Name:      info.ServiceName,
		ServiceID: int64(info.ServiceID),
		Queue:     info.QueueName,
		QueueID:   int64(info.QueueID),
	}
}

type conversationView struct {
	Handle         string `yaml:"handle"`
	ConversationID string `yaml:"conversation_id"`
	Group          string `yaml:"group"`
	Service        string `yaml:"service"`
	Queue          string `yaml:"queue"`
	FarService     string `yaml:"far_service"`
	State          string `yaml:"state"`
	StateDesc      string `yaml:"state_desc"`
	Resumable      bool   `yaml:"resumable"`
}

func newConversationView(info ssbtransport.ConversationInfo) conversationView {
	return conversationView{
		Handle:         info.ConversationHandle.String(),
		ConversationID: info.ConversationID.String(),
		Group:          info.ConversationGroupID.String(),
		Service:        info.ServiceName,
		Queue:          info.QueueName,
		FarService:     info.TargetServiceName,
		State:          string(info.State),
		StateDesc:      info.State.Description(),
		Resumable:      info.State.Resumable(),
	}
}

type messageView struct {
	Session      string `yaml:"session"`
	Group        string `yaml:"group"`
	Conversation string `yaml:"conversation"`
	Sequence     int64  `yaml:"sequence"`
	Service      string `yaml:"service"`
	Type         string `yaml:"type"`
	Timer        bool   `yaml:"timer,omitempty"`
	Size         string `yaml:"size"`
	Body         string `yaml:"body,omitempty"`
}

func newMessageView(s *ssbtransport.InputSession, m *ssbtransport.Message) messageView {
	return messageView{
		Session:      s.ID().String(),
		Group:        m.Conversation.ConversationGroupID.String(),
		Conversation: m.Conversation.ConversationHandle.String(),
		Sequence:     m.Conversation.MessageSequenceNumber,
		Service:      m.ServiceName,
		Type:         m.Conversation.MessageTypeName,
		Timer:        m.Kind() == ssbtransport.MessageTimer,
		Size:         humanizeBytes(int64(len(m.Body))),
		Body:         string(m.Body),
	}
}

type sendView struct {
	Address      string `yaml:"address"`
	Conversation string `yaml:"conversation"`
	Group        string `yaml:"group"`
	Messages     int    `yaml:"messages"`
	Bytes        string `yaml:"bytes"`
	Ended        bool   `yaml:"ended"`
}

type statsView struct {
	MessagesSent     string `yaml:"messages_sent"`
	BytesSent        string `yaml:"bytes_sent"`
	MessagesReceived string `yaml:"messages_received"`
	BytesReceived    string `yaml:"bytes_received"`
	GroupsAcquired   string `yaml:"groups_acquired"`
	LockContention   string `yaml:"lock_contention"`
}

func newStatsView(t ssbtransport.Totals) statsView {
	return statsView{
		MessagesSent:     humanize.Comma(t.MessagesSent),
		BytesSent:        humanizeBytes(t.BytesSent),
		MessagesReceived: humanize.Comma(t.MessagesReceived),
		BytesReceived:    humanizeBytes(t.BytesReceived),
		GroupsAcquired:   humanize.Comma(t.GroupsAcquired),
		LockContention:   humanize.Comma(t.LockContention),
	}
}

func outputFormat(c *cli) (string, error) {
	format := strings.ToLower(strings.TrimSpace(c.v.GetString("output")))
	switch format {
	case "", outputText:
		return outputText, nil
	case outputYAML:
		return outputYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use %s or %s)", format, outputText, outputYAML)
	}
}

// render writes v as a YAML document or, in text mode, as aligned
// key/value lines taken from the YAML encoding.
func render(cmd *cobra.Command, format string, v any) error {
	out := cmd.OutOrStdout()
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if format == outputYAML {
		if _, err := io.WriteString(out, "---\n"); err != nil {
			return err
		}
		_, err := out.Write(data)
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if len(node.Content) == 0 || node.Content[0].Kind != yaml.MappingNode {
		_, err := out.Write(data)
		return err
	}
	mapping := node.Content[0].Content
	width := 0
	for i := 0; i+1 < len(mapping); i += 2 {
		width = max(width, len(mapping[i].Value))
	}
	for i := 0; i+1 < len(mapping); i += 2 {
		if _, err := fmt.Fprintf(out, "%-*s  %s\n", width, mapping[i].Value, mapping[i+1].Value); err != nil {
			return err
		}
	}
	return nil
}
