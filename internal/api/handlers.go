// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nxgtw/ipclab"
	"github.com/nxgtw/ipclab/coordinator"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultLogCount = 100

type sendRequest struct {
	Mechanism string `json:"mechanism"`
	Message   string `json:"message"`
}

func (s *Server) status(c *gin.Context) {
	s.execute(c, coordinator.Command{Action: coordinator.ActionStatus})
}

func (s *Server) lifecycle(action coordinator.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := s.mechanism(c, c.Param("mechanism"))
		if !ok {
			return
		}
		s.execute(c, coordinator.Command{Action: action, Mechanism: m})
	}
}

func (s *Server) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, coordinator.Command{Action: coordinator.ActionSend}, errors.Wrap(err, "invalid send request"))
		return
	}
	m, ok := s.mechanism(c, req.Mechanism)
	if !ok {
		return
	}
	s.execute(c, coordinator.Command{Action: coordinator.ActionSend, Mechanism: m, Message: req.Message})
}

func (s *Server) logs(c *gin.Context) {
	m, ok := s.mechanism(c, c.Param("mechanism"))
	if !ok {
		return
	}
	cmd := coordinator.Command{Action: coordinator.ActionLogs, Mechanism: m, Count: defaultLogCount}
	if raw := c.Query("count"); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil || count <= 0 {
			badRequest(c, cmd, errors.Errorf("invalid count %q", raw))
			return
		}
		cmd.Count = count
	}
	s.execute(c, cmd)
}

func (s *Server) detail(c *gin.Context) {
	m, ok := s.mechanism(c, c.Param("mechanism"))
	if !ok {
		return
	}
	detail, err := s.coord.MechanismDetail(m)
	if err != nil {
		code := http.StatusInternalServerError
		if ipc.KindOf(err) == ipc.ErrUnknownMechanism {
			code = http.StatusBadRequest
		}
		c.JSON(code, coordinator.Response{Status: coordinator.StatusError, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, coordinator.Response{Status: coordinator.StatusSuccess, Message: "detail", Data: detail})
}

func (s *Server) command(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, coordinator.Command{}, errors.Wrap(err, "failed to read command"))
		return
	}
	cmd, err := coordinator.ParseCommand(body)
	if err != nil {
		badRequest(c, cmd, err)
		return
	}
	s.execute(c, cmd)
}

func (s *Server) mechanism(c *gin.Context, raw string) (coordinator.Mechanism, bool) {
	m, err := coordinator.ParseMechanism(raw)
	if err != nil {
		badRequest(c, coordinator.Command{}, err)
		return "", false
	}
	return m, true
}

// execute runs a command. Invalid commands are answered with 400, failed ones with 500.
func (s *Server) execute(c *gin.Context, cmd coordinator.Command) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err := cmd.Validate(); err != nil {
		badRequest(c, cmd, err)
		return
	}
	resp := s.coord.ExecuteCommand(cmd)
	code := http.StatusOK
	if !resp.OK() {
		code = http.StatusInternalServerError
		s.logger.Debug("command failed", zap.String("command_id", cmd.ID), zap.String("error", resp.Message))
	}
	c.JSON(code, resp)
}

func badRequest(c *gin.Context, cmd coordinator.Command, err error) {
	c.JSON(http.StatusBadRequest, coordinator.Response{
		Status:    coordinator.StatusError,
		Message:   err.Error(),
		CommandID: cmd.ID,
	})
}
