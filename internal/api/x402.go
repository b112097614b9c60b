package api

import (
	"net/http"

	"vaultgate/internal/x402"
	"vaultgate/pkg/models"

	"github.com/gin-gonic/gin"
)

// createChallenge 签发支付挑战
func (s *Server) createChallenge(c *gin.Context) {
	var req x402.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := s.svc.Facilitator.Builder().Build(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if header, err := x402.EncodeHeader(ch); err == nil {
		c.Header(x402.HeaderChallenge, header)
	}
	c.JSON(http.StatusOK, gin.H{
		"x402Version": models.X402Version1,
		"challenge":   ch,
	})
}

// verifyPayment 只校验不写账本
func (s *Server) verifyPayment(c *gin.Context) {
	req, err := readPaymentRequest(c, s.svc.Codec)
	if err != nil {
		writeCarrierError(c, err)
		return
	}
	result, err := s.svc.Facilitator.Verify(c.Request.Context(), req.Challenge, req.Payment)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeResult(c, result)
}

// settlePayment 幂等结算
func (s *Server) settlePayment(c *gin.Context) {
	req, err := readPaymentRequest(c, s.svc.Codec)
	if err != nil {
		writeCarrierError(c, err)
		return
	}
	result, err := s.svc.Facilitator.Settle(c.Request.Context(), req.Challenge, req.Payment)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeResult(c, result)
}

// writeResult accepted/settled 200，pending 202，rejected 402
func (s *Server) writeResult(c *gin.Context, result *models.FacilitatorResult) {
	if header, err := x402.EncodeHeader(result); err == nil {
		c.Header(x402.HeaderResponse, header)
	}
	status := http.StatusOK
	switch result.Status {
	case models.ResultPending:
		status = http.StatusAccepted
	case models.ResultRejected:
		status = http.StatusPaymentRequired
	}
	c.JSON(status, result)
}

// getPayment 按 replayKey 查询账本记录
func (s *Server) getPayment(c *gin.Context) {
	if s.svc.Replay == nil {
		unavailable(c, "支付账本")
		return
	}
	rec, err := s.svc.Replay.Get(c.Request.Context(), c.Param("replayKey"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "支付记录不存在"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// accessPrice 付费探针的价格，全部来自配置；请求参数不参与定价
func (s *Server) accessPrice(c *gin.Context) x402.BuildRequest {
	req := x402.BuildRequest{
		Context: map[string]interface{}{
			"path":   c.FullPath(),
			"method": c.Request.Method,
		},
	}
	if s.svc.Config != nil && s.svc.Config.X402 != nil {
		req.Recipient = s.svc.Config.X402.DefaultRecipient
		req.Token = s.svc.Config.X402.DefaultToken
		req.MinAmount = s.svc.Config.X402.DefaultMinAmount
	}
	return req
}

// paidAccess 付费墙后的探针，返回结算得到的支付引用
func (s *Server) paidAccess(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"paymentRef": c.GetString(ContextPaymentRef),
	})
}
